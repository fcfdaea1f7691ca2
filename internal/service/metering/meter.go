package metering

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/lingzhi/backend/internal/clock"
	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrSessionActive     = errors.New("a session is already active")
	ErrSessionInactive   = errors.New("session is not active")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNegativeCredit    = errors.New("credit must not be negative")
)

// DefaultTickInterval 默认每秒刷新一次计时显示。
const DefaultTickInterval = time.Second

// Config 控制计量器的时钟、计费规则与刷新频率。
type Config struct {
	Clock clock.Clock
	Rule  Rule
	// TickInterval is the display refresh cadence. Zero disables the background ticker
	// and leaves Tick to the caller.
	TickInterval time.Duration
}

type session struct {
	id                string
	startedAt         time.Time
	elapsed           int64
	debit             int64
	credits           int64
	feedbackSubmitted bool
	active            bool
}

// Meter owns the single "current session" slot of one user. Start, Tick, Stop and
// RecordFeedback are the only mutators.
type Meter struct {
	userID       string
	clock        clock.Clock
	rule         Rule
	tickInterval time.Duration

	mu       sync.Mutex
	current  *session
	stopTick chan struct{}
	tickDone chan struct{}
}

// NewMeter creates an empty meter for userID.
func NewMeter(userID string, cfg Config) *Meter {
	c := cfg.Clock
	if c == nil {
		c = clock.System()
	}
	rule := cfg.Rule
	if rule.Interval <= 0 || rule.UnitCost <= 0 {
		rule = DefaultRule()
	}
	return &Meter{
		userID:       userID,
		clock:        c,
		rule:         rule,
		tickInterval: cfg.TickInterval,
	}
}

// Rule returns the billing rule the meter applies.
func (m *Meter) Rule() Rule {
	return m.rule
}

// Start opens a new session. An active session is never overwritten: the call fails
// with ErrSessionActive and the caller must end the running session first.
func (m *Meter) Start(sessionID string) (billing.Snapshot, error) {
	if sessionID == "" {
		return billing.Snapshot{}, ErrSessionIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.active {
		return billing.Snapshot{}, ErrSessionActive
	}

	m.current = &session{
		id:        sessionID,
		startedAt: m.clock.Now(),
		debit:     m.rule.ProvisionalDebit(0),
		active:    true,
	}

	if m.tickInterval > 0 {
		m.stopTick = make(chan struct{})
		m.tickDone = make(chan struct{})
		go m.runTicker(m.stopTick, m.tickDone)
	}

	log.Printf("[meter] session=%s user=%s started", sessionID, m.userID)
	return m.snapshotLocked(), nil
}

// Tick recomputes elapsed time and the provisional debit. It never talks to the network
// and is a no-op once the session has stopped.
func (m *Meter) Tick() billing.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return billing.Snapshot{}
	}
	m.tickLocked()
	return m.snapshotLocked()
}

func (m *Meter) tickLocked() {
	s := m.current
	if s == nil || !s.active {
		return
	}

	elapsed := int64(m.clock.Now().Sub(s.startedAt) / time.Second)
	if elapsed < 0 {
		log.Printf("[meter] session=%s clock moved before start by %ds, clamping to 0", s.id, -elapsed)
		elapsed = 0
	}
	if elapsed < s.elapsed {
		log.Printf("[meter] session=%s clock moved backward (%ds -> %ds), keeping last value", s.id, s.elapsed, elapsed)
		elapsed = s.elapsed
	}

	s.elapsed = elapsed
	s.debit = m.rule.ProvisionalDebit(elapsed)
}

// Stop freezes the session and returns its final tuple. Stopping an already stopped
// session returns the frozen tuple again.
func (m *Meter) Stop(sessionID string) (billing.Final, error) {
	m.mu.Lock()
	s := m.current
	if s == nil || s.id != sessionID {
		m.mu.Unlock()
		return billing.Final{}, ErrSessionNotFound
	}

	var done chan struct{}
	if s.active {
		m.tickLocked()
		s.active = false
		done = m.stopTickerLocked()
		log.Printf("[meter] session=%s stopped elapsed=%ds debit=%d credits=%d", s.id, s.elapsed, s.debit, s.credits)
	}
	final := m.finalLocked()
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	return final, nil
}

// RecordFeedback adds credit earned by a feedback submission to the active session.
func (m *Meter) RecordFeedback(sessionID string, credit int64) (billing.Snapshot, error) {
	if credit < 0 {
		return billing.Snapshot{}, ErrNegativeCredit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.id != sessionID {
		return billing.Snapshot{}, ErrSessionNotFound
	}
	if !s.active {
		return billing.Snapshot{}, ErrSessionInactive
	}

	s.credits += credit
	s.feedbackSubmitted = true
	return m.snapshotLocked(), nil
}

// Snapshot returns the current state, if any session occupies the slot.
func (m *Meter) Snapshot() (billing.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return billing.Snapshot{}, false
	}
	return m.snapshotLocked(), true
}

// Reset clears a stopped session once its settlement has been answered authoritatively.
func (m *Meter) Reset(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.id != sessionID {
		return ErrSessionNotFound
	}
	if s.active {
		return ErrSessionActive
	}
	m.current = nil
	return nil
}

// Close cancels the background ticker without touching session state. Used on teardown.
func (m *Meter) Close() {
	m.mu.Lock()
	done := m.stopTickerLocked()
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (m *Meter) stopTickerLocked() chan struct{} {
	if m.stopTick == nil {
		return nil
	}
	close(m.stopTick)
	done := m.tickDone
	m.stopTick = nil
	m.tickDone = nil
	return done
}

func (m *Meter) runTicker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *Meter) snapshotLocked() billing.Snapshot {
	s := m.current
	return billing.Snapshot{
		SessionID:         s.id,
		UserID:            m.userID,
		StartedAt:         s.startedAt,
		ElapsedSeconds:    s.elapsed,
		ProvisionalDebit:  s.debit,
		CreditsEarned:     s.credits,
		FeedbackSubmitted: s.feedbackSubmitted,
		Active:            s.active,
	}
}

func (m *Meter) finalLocked() billing.Final {
	s := m.current
	return billing.Final{
		SessionID:         s.id,
		UserID:            m.userID,
		ElapsedSeconds:    s.elapsed,
		ProvisionalDebit:  s.debit,
		CreditsEarned:     s.credits,
		FeedbackSubmitted: s.feedbackSubmitted,
	}
}
