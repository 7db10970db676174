package credentials

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(n int) (*Manager, *fakeClock) {
	creds := make([]Credential, n)
	for i := range creds {
		creds[i] = Credential{Label: "k", Key: "secret-key-000" + string(rune('0'+i))}
	}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(discardLogger(), creds, DefaultOptions()).WithClock(clock.Now)
	return m, clock
}

func TestSelect_RoundRobin(t *testing.T) {
	m, _ := newTestManager(3)

	var got []int
	for i := 0; i < 4; i++ {
		sel, err := m.Select()
		require.NoError(t, err)
		got = append(got, sel.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, got)
}

func TestSelect_EmptyPool(t *testing.T) {
	m := NewManager(discardLogger(), nil, Options{})
	_, err := m.Select()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSelect_SkipsDegraded(t *testing.T) {
	m, _ := newTestManager(3)
	m.ReportError(1, errors.New("429 Too Many Requests"))

	for i := 0; i < 6; i++ {
		sel, err := m.Select()
		require.NoError(t, err)
		assert.NotEqual(t, 1, sel.Index)
	}
}

func TestSelect_AllCooledDownAutoHeal(t *testing.T) {
	m, clock := newTestManager(3)
	for i := 0; i < 3; i++ {
		m.ReportError(i, errors.New("rate limit exceeded"))
	}
	for _, s := range m.Snapshot() {
		require.Equal(t, StatusRateLimited, s.Health.Status)
	}

	clock.Advance(2 * DefaultOptions().RateLimitCooldown)

	sel, err := m.Select()
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, sel.Health.Status)
}

func TestSelect_ShortestCooldownWhenNoneHealthy(t *testing.T) {
	m, clock := newTestManager(3)
	m.ReportError(0, errors.New("some transient failure"))
	clock.Advance(10 * time.Second)
	m.ReportError(1, errors.New("rate limit hit"))
	m.ReportError(2, errors.New("invalid api key"))

	sel, err := m.Select()
	require.NoError(t, err)
	// index 0 cools down after 30s from t0, index 1 after 60s from t0+10s
	assert.Equal(t, 0, sel.Index)
	assert.NotEqual(t, StatusBlocked, sel.Health.Status)
}

func TestSelect_NeverBlockedWhileNonBlockedExists(t *testing.T) {
	m, _ := newTestManager(3)
	require.NoError(t, m.Block(0, "manual"))
	require.NoError(t, m.Block(1, "manual"))
	m.ReportError(2, errors.New("insufficient_quota: billing hard limit"))

	for i := 0; i < 5; i++ {
		sel, err := m.Select()
		require.NoError(t, err)
		assert.Equal(t, 2, sel.Index)
		assert.Equal(t, StatusQuotaExceeded, sel.Health.Status)
	}
}

func TestSelect_AllBlockedForcesFirst(t *testing.T) {
	m, _ := newTestManager(2)
	require.NoError(t, m.Block(0, ""))
	require.NoError(t, m.Block(1, ""))

	sel, err := m.Select()
	require.NoError(t, err)
	assert.Equal(t, 0, sel.Index)
	assert.Equal(t, StatusHealthy, sel.Health.Status)
}

func TestReportError_ThresholdBlocks(t *testing.T) {
	m, _ := newTestManager(1)
	threshold := DefaultOptions().ConsecutiveErrorThreshold
	for i := 0; i < threshold-1; i++ {
		m.ReportError(0, errors.New("rate limit"))
	}
	assert.Equal(t, StatusRateLimited, m.Snapshot()[0].Health.Status)

	m.ReportError(0, errors.New("rate limit"))
	h := m.Snapshot()[0].Health
	assert.Equal(t, StatusBlocked, h.Status)
	assert.Equal(t, threshold, h.ConsecutiveErrors)
	assert.Equal(t, threshold, h.ErrorCount)
}

func TestReportSuccess_ResetsConsecutive(t *testing.T) {
	m, _ := newTestManager(1)
	m.ReportError(0, errors.New("boom"))
	m.ReportError(0, errors.New("boom"))
	m.ReportSuccess(0)

	h := m.Snapshot()[0].Health
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Zero(t, h.ConsecutiveErrors)
	assert.True(t, h.CooldownUntil.IsZero())
	assert.Equal(t, 2, h.ErrorCount)
	assert.Equal(t, 1, h.SuccessCount)
}

func TestAutoHeal_BlockedAfterLongTimeout(t *testing.T) {
	m, clock := newTestManager(2)
	m.ReportError(0, errors.New("403 forbidden"))
	require.Equal(t, StatusBlocked, m.Snapshot()[0].Health.Status)

	clock.Advance(DefaultOptions().AutoHealAfter + time.Minute)
	m.Sweep()
	assert.Equal(t, StatusHealthy, m.Snapshot()[0].Health.Status)
}

func TestAdminOverrides(t *testing.T) {
	m, _ := newTestManager(2)
	require.NoError(t, m.Block(1, "leaked"))
	assert.Equal(t, StatusBlocked, m.Snapshot()[1].Health.Status)
	assert.Equal(t, "leaked", m.Snapshot()[1].Health.LastError)

	require.NoError(t, m.Heal(1))
	assert.Equal(t, StatusHealthy, m.Snapshot()[1].Health.Status)

	m.ReportError(0, errors.New("boom"))
	m.ResetAll()
	for _, s := range m.Snapshot() {
		assert.Equal(t, Health{Status: StatusHealthy}, s.Health)
	}

	assert.Error(t, m.Block(5, ""))
	assert.Error(t, m.Heal(-1))
}

func TestBlock_SurvivesAutoHeal(t *testing.T) {
	m, clock := newTestManager(2)
	require.NoError(t, m.Block(0, "leaked"))

	clock.Advance(DefaultOptions().AutoHealAfter + time.Hour)
	m.Sweep()
	h := m.Snapshot()[0].Health
	assert.Equal(t, StatusBlocked, h.Status)
	assert.True(t, h.Pinned)

	sel, err := m.Select()
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Index)

	m.ReportSuccess(0)
	assert.Equal(t, StatusBlocked, m.Snapshot()[0].Health.Status)
	m.ReportError(0, errors.New("429 too many requests"))
	assert.Equal(t, StatusBlocked, m.Snapshot()[0].Health.Status)

	require.NoError(t, m.Heal(0))
	h = m.Snapshot()[0].Health
	assert.Equal(t, StatusHealthy, h.Status)
	assert.False(t, h.Pinned)
}

func TestSnapshot_MasksKeys(t *testing.T) {
	m, _ := newTestManager(1)
	s := m.Snapshot()[0]
	assert.Equal(t, "****0000", s.Key)
	assert.NotContains(t, s.Key, "secret")
}

func TestConcurrentSelectAndReport(t *testing.T) {
	m, _ := newTestManager(4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sel, err := m.Select()
				if err != nil {
					t.Errorf("select: %v", err)
					return
				}
				if (i+g)%3 == 0 {
					m.ReportError(sel.Index, errors.New("temporary"))
				} else {
					m.ReportSuccess(sel.Index)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Len(t, m.Snapshot(), 4)
}
