package strategy

import (
	"errors"
	"math"
	"math/rand/v2"
)

// ErrNoAvailableBackend is returned when no backend is available for
// selection; the proxy maps it to a 503.
var ErrNoAvailableBackend = errors.New("strategy: no available backend")

// StickyLookup is satisfied by internal/session.Map; kept as an interface
// here to avoid strategy depending on session (session already depends on
// strategy for *Backend).
type StickyLookup interface {
	Get(key string) (*Backend, bool)
	Set(key string, b *Backend)
}

// Selector implements the dynamic weighted-random selection policy:
// a sticky-session fast path, followed by a weighted-random draw over the
// available set (UP and breaker-not-OPEN), with weights recomputed from
// observed response time when AdjustWeights is set.
type Selector struct {
	backends      []*Backend // stable registry order — selection is reproducible given a fixed draw sequence
	adjustWeights bool
	sticky        bool
	sessions      StickyLookup
}

// New builds a Selector over backends in stable registry order.
func New(backends []*Backend, adjustWeights, sticky bool, sessions StickyLookup) *Selector {
	return &Selector{
		backends:      backends,
		adjustWeights: adjustWeights,
		sticky:        sticky,
		sessions:      sessions,
	}
}

// Choose picks a backend for the request, honoring a live sticky mapping
// for sessionKey when one exists. Pass "" for no session affinity.
func (s *Selector) Choose(sessionKey string) (*Backend, error) {
	if s.sticky && sessionKey != "" {
		if b, ok := s.sessions.Get(sessionKey); ok && b.Available() {
			b.IncConns()
			return b, nil
		}
	}

	available := s.availableSet()
	if len(available) == 0 {
		return nil, ErrNoAvailableBackend
	}

	s.computeWeights(available)

	chosen := s.weightedDraw(available)
	chosen.IncConns()

	if s.sticky && sessionKey != "" {
		s.sessions.Set(sessionKey, chosen)
	}
	return chosen, nil
}

// Done releases the active-connection slot acquired implicitly by a
// successful Choose; the Proxy Engine calls it once the connection's
// lifecycle ends.
func (s *Selector) Done(b *Backend) { b.DecConns() }

// availableSet returns, in stable registry order, every backend that is UP
// and whose breaker is not OPEN (OPEN→HALF_OPEN transitions happen here as
// a side effect of Backend.Available).
func (s *Selector) availableSet() []*Backend {
	out := make([]*Backend, 0, len(s.backends))
	for _, b := range s.backends {
		if b.Available() {
			out = append(out, b)
		}
	}
	return out
}

// computeWeights recomputes DynamicWeight for every backend in the
// available set:
//
//	dynamic_weight = max(1, floor(static_weight * (1 / max(0.1, effective_rt))))
//
// where effective_rt is response_time when finite, else 1.0.
func (s *Selector) computeWeights(available []*Backend) {
	for _, b := range available {
		if !s.adjustWeights {
			b.setDynamicWeight(int64(b.StaticWeight))
			continue
		}
		rt := b.ResponseTime()
		if math.IsInf(rt, 1) {
			rt = 1.0
		}
		factor := 1.0 / math.Max(0.1, rt)
		w := int64(math.Floor(float64(b.StaticWeight) * factor))
		if w < 1 {
			w = 1
		}
		b.setDynamicWeight(w)
	}
}

// weightedDraw rolls a uniform integer over [1, Σweight] and returns the
// first backend (in stable order) whose cumulative weight meets or exceeds
// the roll. Falls back to uniform random selection if every weight is
// somehow zero — defensive, since computeWeights floors at 1.
func (s *Selector) weightedDraw(available []*Backend) *Backend {
	total := int64(0)
	for _, b := range available {
		total += b.DynamicWeight()
	}
	if total <= 0 {
		return available[rand.IntN(len(available))]
	}

	roll := rand.Int64N(total) + 1
	var cumulative int64
	for _, b := range available {
		cumulative += b.DynamicWeight()
		if roll <= cumulative {
			return b
		}
	}
	// Unreachable given the invariant total == Σweight, but keep the
	// function total.
	return available[len(available)-1]
}
