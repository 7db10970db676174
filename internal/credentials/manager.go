package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the health state of a single credential.
type Status string

const (
	StatusHealthy       Status = "healthy"
	StatusRateLimited   Status = "rate_limited"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusBlocked       Status = "blocked"
	StatusError         Status = "error"
)

// Credential is one API key of a provider pool.
type Credential struct {
	Label string
	Key   string
}

// Masked renders the key with all but the last four characters hidden.
func (c Credential) Masked() string {
	if len(c.Key) <= 4 {
		return "****"
	}
	return "****" + c.Key[len(c.Key)-4:]
}

// Health is the per-credential record. Times are zero when unset.
type Health struct {
	Status            Status    `json:"status"`
	ErrorCount        int       `json:"error_count"`
	SuccessCount      int       `json:"success_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CooldownUntil     time.Time `json:"cooldown_until,omitzero"`
	QuotaResetTime    time.Time `json:"quota_reset_time,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitzero"`
	// Pinned marks a block set by an operator. Only Heal or ResetAll clear it.
	Pinned bool `json:"pinned,omitempty"`
}

// Selection is the result of Select.
type Selection struct {
	Credential Credential
	Index      int
	Health     Health
}

// Options tunes cooldowns and thresholds.
type Options struct {
	ConsecutiveErrorThreshold int
	RateLimitCooldown         time.Duration
	ErrorCooldown             time.Duration
	QuotaResetWindow          time.Duration
	AutoHealAfter             time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ConsecutiveErrorThreshold: 5,
		RateLimitCooldown:         60 * time.Second,
		ErrorCooldown:             30 * time.Second,
		QuotaResetWindow:          time.Hour,
		AutoHealAfter:             30 * time.Minute,
	}
}

// ErrNoCredentials is returned by Select on an empty pool.
var ErrNoCredentials = errors.New("no credentials configured")

// Manager tracks health for a pool of credentials. All methods are safe for concurrent use.
type Manager struct {
	log  *slog.Logger
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	creds     []Credential
	health    []Health
	lastIndex int
}

// NewManager creates a Manager over creds; every credential starts healthy.
func NewManager(log *slog.Logger, creds []Credential, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ConsecutiveErrorThreshold <= 0 {
		opts.ConsecutiveErrorThreshold = def.ConsecutiveErrorThreshold
	}
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = def.RateLimitCooldown
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = def.ErrorCooldown
	}
	if opts.QuotaResetWindow <= 0 {
		opts.QuotaResetWindow = def.QuotaResetWindow
	}
	if opts.AutoHealAfter <= 0 {
		opts.AutoHealAfter = def.AutoHealAfter
	}
	if log == nil {
		log = slog.Default()
	}
	health := make([]Health, len(creds))
	for i := range health {
		health[i].Status = StatusHealthy
	}
	cp := make([]Credential, len(creds))
	copy(cp, creds)
	return &Manager{
		log:       log.With("component", "credentials"),
		opts:      opts,
		now:       time.Now,
		creds:     cp,
		health:    health,
		lastIndex: -1,
	}
}

// WithClock replaces the time source; used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds)
}

// Select returns the next usable credential.
func (m *Manager) Select() (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.creds)
	if n == 0 {
		return Selection{}, ErrNoCredentials
	}
	now := m.now()
	m.healLocked(now)

	for step := 1; step <= n; step++ {
		i := (m.lastIndex + step) % n
		if m.health[i].Status == StatusHealthy {
			return m.pickLocked(i), nil
		}
	}

	// Nothing healthy: take the non-blocked credential that becomes usable soonest.
	best := -1
	var bestAt time.Time
	for i, h := range m.health {
		if h.Status == StatusBlocked {
			continue
		}
		at := availableAt(h)
		if best == -1 || at.Before(bestAt) {
			best, bestAt = i, at
		}
	}
	if best >= 0 {
		return m.pickLocked(best), nil
	}

	m.log.Warn("all credentials blocked, forcing first credential healthy")
	m.resetLocked(0)
	return m.pickLocked(0), nil
}

func availableAt(h Health) time.Time {
	if h.Status == StatusQuotaExceeded {
		return h.QuotaResetTime
	}
	return h.CooldownUntil
}

func (m *Manager) pickLocked(i int) Selection {
	m.lastIndex = i
	return Selection{Credential: m.creds[i], Index: i, Health: m.health[i]}
}

// healLocked resets credentials whose cooldown or quota window has passed, and
// any degraded credential whose last error is older than AutoHealAfter.
func (m *Manager) healLocked(now time.Time) {
	for i := range m.health {
		h := &m.health[i]
		if h.Pinned {
			continue
		}
		switch h.Status {
		case StatusHealthy:
			continue
		case StatusRateLimited, StatusError:
			if !h.CooldownUntil.After(now) {
				m.log.Debug("credential cooled down", "index", i, "from", h.Status)
				m.resetLocked(i)
				continue
			}
		case StatusQuotaExceeded:
			if !h.QuotaResetTime.After(now) {
				m.log.Debug("credential quota window passed", "index", i)
				m.resetLocked(i)
				continue
			}
		}
		if !h.LastErrorAt.IsZero() && now.Sub(h.LastErrorAt) >= m.opts.AutoHealAfter {
			m.log.Info("credential auto-healed", "index", i, "from", h.Status)
			m.resetLocked(i)
		}
	}
}

func (m *Manager) resetLocked(i int) {
	h := &m.health[i]
	h.Status = StatusHealthy
	h.ConsecutiveErrors = 0
	h.CooldownUntil = time.Time{}
	h.QuotaResetTime = time.Time{}
	h.Pinned = false
}

// Sweep runs the auto-heal pass without selecting; called periodically by the scheduler.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healLocked(m.now())
}

// ReportSuccess records a successful call made with the credential at index.
func (m *Manager) ReportSuccess(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.health) {
		return
	}
	h := &m.health[index]
	h.SuccessCount++
	h.ConsecutiveErrors = 0
	h.CooldownUntil = time.Time{}
	if h.Status != StatusHealthy && !h.Pinned {
		m.log.Info("credential recovered", "index", index, "from", h.Status)
		h.Status = StatusHealthy
		h.QuotaResetTime = time.Time{}
	}
}

// ReportError records a failed call and returns the classification applied.
func (m *Manager) ReportError(index int, err error) ErrorKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.health) || err == nil {
		return KindOther
	}
	now := m.now()
	kind := ClassifyError(err)

	h := &m.health[index]
	h.ErrorCount++
	h.ConsecutiveErrors++
	h.LastError = err.Error()
	h.LastErrorAt = now
	h.Status = kind.Status()
	switch kind {
	case KindRateLimited:
		h.CooldownUntil = now.Add(m.opts.RateLimitCooldown)
	case KindQuotaExceeded:
		h.QuotaResetTime = now.Add(m.opts.QuotaResetWindow)
	case KindAuth:
		h.CooldownUntil = time.Time{}
	default:
		h.CooldownUntil = now.Add(m.opts.ErrorCooldown)
	}
	if h.ConsecutiveErrors >= m.opts.ConsecutiveErrorThreshold || h.Pinned {
		h.Status = StatusBlocked
	}
	m.log.Warn("credential error",
		"index", index,
		"kind", kind.String(),
		"status", h.Status,
		"consecutive", h.ConsecutiveErrors)
	return kind
}

// Block forces the credential at index into the blocked state. The block
// survives auto-heal and Sweep until Heal or ResetAll.
func (m *Manager) Block(index int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.health) {
		return fmt.Errorf("credential index %d out of range", index)
	}
	h := &m.health[index]
	h.Status = StatusBlocked
	h.CooldownUntil = time.Time{}
	if reason != "" {
		h.LastError = reason
	}
	h.LastErrorAt = m.now()
	h.Pinned = true
	m.log.Info("credential force-blocked", "index", index)
	return nil
}

// Heal forces the credential at index back to healthy.
func (m *Manager) Heal(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.health) {
		return fmt.Errorf("credential index %d out of range", index)
	}
	m.resetLocked(index)
	m.log.Info("credential force-healed", "index", index)
	return nil
}

// ResetAll clears every health record, including counters.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.health {
		m.health[i] = Health{Status: StatusHealthy}
	}
	m.lastIndex = -1
	m.log.Info("credential pool reset", "size", len(m.health))
}

// Snapshot is a masked, point-in-time view of one credential.
type Snapshot struct {
	Index  int    `json:"index"`
	Label  string `json:"label,omitempty"`
	Key    string `json:"key"`
	Health Health `json:"health"`
}

// Snapshot returns copies of every health record with masked keys.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.creds))
	for i, c := range m.creds {
		out[i] = Snapshot{Index: i, Label: c.Label, Key: c.Masked(), Health: m.health[i]}
	}
	return out
}
