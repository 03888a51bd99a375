// Package session implements the sticky-session key extraction and the map
// from session key to previously-chosen backend.
package session

import (
	"bytes"
	"net"
	"strings"
	"sync"

	"golb/internal/strategy"
)

// Map is a single mutex-guarded key→Backend table. Writes are O(1) and rare
// relative to reads, so a plain sync.RWMutex is sufficient.
type Map struct {
	mu    sync.RWMutex
	table map[string]*strategy.Backend
}

// NewMap returns an empty session map.
func NewMap() *Map {
	return &Map{table: make(map[string]*strategy.Backend)}
}

// Get returns the backend bound to key, if any.
func (m *Map) Get(key string) (*strategy.Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.table[key]
	return b, ok
}

// Set binds key to b, replacing any prior binding.
func (m *Map) Set(key string, b *strategy.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[key] = b
}

var _ strategy.StickyLookup = (*Map)(nil)

// ExtractKey computes the sticky-session key for an accepted connection.
// mode is "ip" or "cookie"; remoteAddr is conn.RemoteAddr();
// initial is the (possibly short) first read off the client connection.
func ExtractKey(mode, remoteAddr string, initial []byte) string {
	if mode == "cookie" {
		if v, ok := cookieSessionID(initial); ok {
			return v
		}
		// No SessionID cookie: fall back to the peer address.
	}
	return hostOnly(remoteAddr)
}

// hostOnly strips the port from a net.Addr.String() textual address,
// tolerating malformed input by returning it unchanged.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// cookieSessionID scans raw request bytes for the first Cookie: header line
// and, within it, the first "; "-delimited token named SessionID. The scan
// is byte-oriented: it never decodes beyond ASCII and never fails on
// invalid UTF-8.
func cookieSessionID(buf []byte) (string, bool) {
	for _, line := range bytes.Split(buf, []byte("\r\n")) {
		if !hasCookiePrefix(line) {
			continue
		}
		value := bytes.TrimSpace(line[len("Cookie:"):])
		for _, tok := range strings.Split(string(value), "; ") {
			name, val, found := strings.Cut(tok, "=")
			if found && strings.TrimSpace(name) == "SessionID" {
				return strings.TrimSpace(val), true
			}
		}
		return "", false
	}
	return "", false
}

func hasCookiePrefix(line []byte) bool {
	const prefix = "Cookie:"
	if len(line) < len(prefix) {
		return false
	}
	return strings.EqualFold(string(line[:len(prefix)]), prefix)
}
