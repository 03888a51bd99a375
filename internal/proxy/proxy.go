// Package proxy is the core request-forwarding layer of GOLB.
//
// Engine is a byte-transparent TCP proxy: it reads the first
// chunk of a client connection, uses it only to extract a sticky-session key,
// then pumps bytes between client and backend without ever re-parsing HTTP.
// This keeps the data plane protocol-agnostic and preserves pipelining.
package proxy

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golb/internal/session"
	"golb/internal/strategy"
)

const (
	initialReadSize = 1024
	pumpChunkSize   = 1024
)

// Engine accepts client connections and forwards them to a backend chosen by
// the Selector. It is safe for concurrent use; each accepted connection runs
// in its own goroutine.
type Engine struct {
	selector               *strategy.Selector
	sessions               *session.Map
	sessionMode            string
	sticky                 bool
	upstreamConnectTimeout time.Duration

	listener net.Listener
}

// New builds an Engine. sessions may be nil when sticky is false.
func New(selector *strategy.Selector, sessions *session.Map, sessionMode string, sticky bool, upstreamConnectTimeout time.Duration) *Engine {
	return &Engine{
		selector:               selector,
		sessions:               sessions,
		sessionMode:            sessionMode,
		sticky:                 sticky,
		upstreamConnectTimeout: upstreamConnectTimeout,
	}
}

// Serve accepts connections on l until it is closed. It blocks until the
// listener returns a permanent error, returning nil on a clean Shutdown.
func (e *Engine) Serve(l net.Listener) error {
	e.listener = l
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go e.handleConn(conn)
	}
}

// Shutdown stops accepting new connections. In-flight pipes are left to
// drain to their natural end.
func (e *Engine) Shutdown() error {
	if e.listener == nil {
		return nil
	}
	return e.listener.Close()
}

// handleConn runs one client connection end to end: initial read, session
// key extraction, selection, upstream dial, byte pump, breaker update.
func (e *Engine) handleConn(client net.Conn) {
	defer client.Close()

	initial := make([]byte, initialReadSize)
	client.SetReadDeadline(time.Now().Add(e.upstreamConnectTimeout))
	n, readErr := client.Read(initial)
	client.SetReadDeadline(time.Time{})
	if readErr != nil && n == 0 {
		slog.Debug("proxy: client read failed before any bytes", "remote", client.RemoteAddr(), "error", readErr)
		return
	}
	initial = initial[:n]

	var sessionKey string
	if e.sticky {
		sessionKey = session.ExtractKey(e.sessionMode, client.RemoteAddr().String(), initial)
	}

	backend, err := e.selector.Choose(sessionKey)
	if err != nil {
		writeStatusLine(client, 503, "Service Unavailable")
		return
	}
	defer e.selector.Done(backend)

	upstream, err := net.DialTimeout("tcp", backend.Addr(), e.upstreamConnectTimeout)
	if err != nil {
		backend.Breaker().RecordFailure()
		backend.IncErrors()
		writeStatusLine(client, 502, "Bad Gateway")
		slog.Warn("proxy: upstream connect failed", "backend", backend.String(), "error", err)
		return
	}
	defer upstream.Close()

	backend.IncRequests()

	if _, err := upstream.Write(initial); err != nil {
		backend.Breaker().RecordFailure()
		backend.IncErrors()
		slog.Debug("proxy: failed writing initial buffer upstream", "backend", backend.String(), "error", err)
		return
	}

	forwardedAny, pipeErr := tunnel(client, upstream)
	if pipeErr != nil {
		backend.Breaker().RecordFailure()
		backend.IncErrors()
		if !forwardedAny {
			writeStatusLine(client, 502, "Bad Gateway")
		}
		return
	}
	backend.Breaker().RecordSuccess()
}

// tunnel runs the two byte-pumps and reports whether
// any bytes reached the client (upstream→client direction) before an error,
// since that determines whether error injection is still possible.
func tunnel(client, upstream net.Conn) (forwardedAny bool, err error) {
	type result struct {
		wrote bool
		err   error
	}
	done := make(chan result, 2)

	go func() {
		_, err := copyChunks(upstream, client)
		done <- result{err: err}
	}()
	go func() {
		// Response direction: whether any of these bytes reached the
		// client decides if a 502 can still be injected afterwards.
		n, err := copyChunks(client, upstream)
		done <- result{wrote: n > 0, err: err}
	}()

	r1 := <-done
	// Unblock the still-running pump by closing both ends; whichever side
	// is mid-Read/Write returns promptly with a use-of-closed-network error.
	client.Close()
	upstream.Close()
	r2 := <-done

	forwardedAny = r1.wrote || r2.wrote
	if r1.err != nil && !isCleanClose(r1.err) {
		err = r1.err
	} else if r2.err != nil && !isCleanClose(r2.err) {
		err = r2.err
	}
	return forwardedAny, err
}

// copyChunks copies from src to dst in pumpChunkSize chunks. Both ends are
// wrapped so io.CopyBuffer cannot hand the copy to a ReadFrom/WriteTo
// method (net.TCPConn has both), which would bypass buf.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, pumpChunkSize)
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
}

// isCleanClose reports whether err is the ordinary consequence of the peer
// (or our own Shutdown) closing a connection. A clean close after writing
// counts as success, not a pipe failure.
func isCleanClose(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// writeStatusLine writes a minimal HTTP/1.1 status line with a short text
// body and Connection: close.
func writeStatusLine(conn net.Conn, code int, reason string) {
	body := reason + "\n"
	w := bufio.NewWriter(conn)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	w.WriteString("HTTP/1.1 " + strconv.Itoa(code) + " " + reason + "\r\n")
	w.WriteString("Connection: close\r\n")
	w.WriteString("Content-Type: text/plain\r\n")
	w.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	w.WriteString(body)
	w.Flush()
}
