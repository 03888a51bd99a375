package strategy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golb/internal/config"
	"golb/internal/strategy"
)

// fakeSessions is a minimal in-memory StickyLookup for selector tests that
// don't need the real internal/session package (avoiding an import cycle
// concern and keeping the test self-contained).
type fakeSessions struct {
	table map[string]*strategy.Backend
}

func newFakeSessions() *fakeSessions { return &fakeSessions{table: map[string]*strategy.Backend{}} }

func (f *fakeSessions) Get(key string) (*strategy.Backend, bool) {
	b, ok := f.table[key]
	return b, ok
}

func (f *fakeSessions) Set(key string, b *strategy.Backend) { f.table[key] = b }

func mustBackend(t *testing.T, host string, port, weight int) *strategy.Backend {
	t.Helper()
	b, err := strategy.NewBackend(host, port, weight, config.CircuitBreakerCfg{FailThreshold: 3, OpenTime: 5 * time.Second})
	require.NoError(t, err)
	return b
}

// Two backends, static weights 1 and 2, both UP,
// response_time=1.0, adjust_weights=true, 3000 draws, no stickiness. The
// second backend (weight 2) should be chosen roughly twice as often.
func TestSelector_WeightedDistribution_MatchesStaticWeightRatio(t *testing.T) {
	b1 := mustBackend(t, "10.0.0.1", 9001, 1)
	b2 := mustBackend(t, "10.0.0.2", 9002, 2)
	b1.SetResponseTime(1.0)
	b2.SetResponseTime(1.0)

	sel := strategy.New([]*strategy.Backend{b1, b2}, true, false, nil)

	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		chosen, err := sel.Choose("")
		require.NoError(t, err)
		counts[chosen.Addr()]++
	}

	assert.GreaterOrEqual(t, counts[b2.Addr()], 1850)
	assert.LessOrEqual(t, counts[b2.Addr()], 2150)
}

// Selector safety: every backend Choose returns must be UP and not OPEN at
// the moment of the availability check.
func TestSelector_NeverReturnsUnavailableBackend(t *testing.T) {
	up := mustBackend(t, "10.0.0.1", 9001, 1)
	down := mustBackend(t, "10.0.0.2", 9002, 1)
	down.SetUp(false)
	openB := mustBackend(t, "10.0.0.3", 9003, 1)
	for i := 0; i < 3; i++ {
		openB.Breaker().RecordFailure()
	}
	require.Equal(t, strategy.StateOpen, openB.Breaker().State())

	sel := strategy.New([]*strategy.Backend{up, down, openB}, false, false, nil)

	for i := 0; i < 50; i++ {
		chosen, err := sel.Choose("")
		require.NoError(t, err)
		assert.True(t, chosen.IsUp())
		assert.NotEqual(t, strategy.StateOpen, chosen.Breaker().State())
		assert.Equal(t, up.Addr(), chosen.Addr())
	}
}

func TestSelector_NoAvailableBackend_ReturnsError(t *testing.T) {
	down := mustBackend(t, "10.0.0.1", 9001, 1)
	down.SetUp(false)

	sel := strategy.New([]*strategy.Backend{down}, false, false, nil)

	_, err := sel.Choose("")
	assert.ErrorIs(t, err, strategy.ErrNoAvailableBackend)
}

// Weight monotonicity: holding static_weight fixed, a smaller response_time
// must produce a dynamic_weight >= that of a backend with a larger one.
func TestSelector_WeightMonotonicity(t *testing.T) {
	fast := mustBackend(t, "10.0.0.1", 9001, 1)
	fast.SetResponseTime(0.05)
	slow := mustBackend(t, "10.0.0.2", 9002, 1)
	slow.SetResponseTime(2.0)

	sel := strategy.New([]*strategy.Backend{fast, slow}, true, false, nil)
	_, err := sel.Choose("")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, fast.DynamicWeight(), slow.DynamicWeight())
}

func TestSelector_AdjustWeightsDisabled_UsesStaticWeight(t *testing.T) {
	b := mustBackend(t, "10.0.0.1", 9001, 7)
	b.SetResponseTime(0.01) // would inflate dynamic weight if adjust_weights were on

	sel := strategy.New([]*strategy.Backend{b}, false, false, nil)
	_, err := sel.Choose("")
	require.NoError(t, err)

	assert.Equal(t, int64(7), b.DynamicWeight())
}

// Sticky stability: while the bound backend remains available, consecutive
// Choose(K) calls must return it.
func TestSelector_StickySession_StableWhileBackendAvailable(t *testing.T) {
	b1 := mustBackend(t, "10.0.0.1", 9001, 1)
	b2 := mustBackend(t, "10.0.0.2", 9002, 1)
	sessions := newFakeSessions()
	sel := strategy.New([]*strategy.Backend{b1, b2}, false, true, sessions)

	first, err := sel.Choose("client-A")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := sel.Choose("client-A")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
}

// Sticky failover: once the bound backend becomes unavailable, the next
// Choose(K) must return a different available backend, and subsequent calls
// must stick to the new one.
func TestSelector_StickySession_FailsOverWhenBoundBackendGoesDown(t *testing.T) {
	b1 := mustBackend(t, "10.0.0.1", 9001, 1)
	b2 := mustBackend(t, "10.0.0.2", 9002, 1)
	sessions := newFakeSessions()
	sel := strategy.New([]*strategy.Backend{b1, b2}, false, true, sessions)

	first, err := sel.Choose("client-A")
	require.NoError(t, err)

	first.SetUp(false)

	second, err := sel.Choose("client-A")
	require.NoError(t, err)
	assert.NotEqual(t, first.Addr(), second.Addr())

	for i := 0; i < 5; i++ {
		again, err := sel.Choose("client-A")
		require.NoError(t, err)
		assert.Equal(t, second.Addr(), again.Addr())
	}
}

// Two backends, sticky by IP. First two requests
// from the same key land on whichever backend was chosen; once that backend
// is marked DOWN by the health checker, the third request must move to the
// other one and the session map must be updated to it.
func TestSelector_Scenario_StickyIPFailoverUpdatesSessionMap(t *testing.T) {
	a := mustBackend(t, "127.0.0.1", 9001, 1)
	b := mustBackend(t, "127.0.0.1", 9002, 1)
	sessions := newFakeSessions()
	sel := strategy.New([]*strategy.Backend{a, b}, false, true, sessions)

	const key = "1.2.3.4"
	first, err := sel.Choose(key)
	require.NoError(t, err)
	second, err := sel.Choose(key)
	require.NoError(t, err)
	require.Equal(t, first.Addr(), second.Addr())

	first.SetUp(false)

	third, err := sel.Choose(key)
	require.NoError(t, err)
	assert.NotEqual(t, first.Addr(), third.Addr())

	mapped, ok := sessions.Get(key)
	require.True(t, ok)
	assert.Equal(t, third.Addr(), mapped.Addr())
}

func TestSelector_UnknownResponseTime_SingleBackendIsChosen(t *testing.T) {
	// A backend never probed (response_time = +Inf) is weighted as if its
	// response time were 1.0, so it keeps a weight of at least 1 and is
	// still returned. The zero-weight fallback in weightedDraw cannot be
	// reached through Choose, because computeWeights floors every weight at 1.
	b := mustBackend(t, "10.0.0.1", 9001, 1)
	sel := strategy.New([]*strategy.Backend{b}, true, false, nil)
	chosen, err := sel.Choose("")
	require.NoError(t, err)
	assert.Equal(t, b.Addr(), chosen.Addr())
}
