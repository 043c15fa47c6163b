package chain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
)

// Status is the caller-visible state of a chain. It only ever advances
// forward: PENDING → RUNNING → COMPLETED or FAILED.
type Status uint8

const (
	// StatusPending means the chain is recorded but the root unit has not
	// started yet.
	StatusPending Status = iota

	// StatusRunning means at least one unit has started and the chain has not
	// reached a terminal state.
	StatusRunning

	// StatusCompleted means every unit resolved to success or was correctly
	// skipped as a non-required branch.
	StatusCompleted

	// StatusFailed means a unit reported a failure no failure-successor
	// absorbed. The failing stage and detail are retained.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ChainInfo is the status record kept per token.
type ChainInfo struct {
	Token         uuid.UUID `json:"token"`
	Status        Status    `json:"status"`
	FailedKind    Kind      `json:"failed_kind,omitempty"`
	FailureDetail string    `json:"failure_detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	terminalAt time.Time
}

// TokenStore issues and tracks chain tokens. Writes only advance status
// forward; concurrent reads never block writers and never observe a rollback.
// Terminal entries are retained for a grace period and then purged by a
// janitor loop; purged and unknown tokens are reported as not found, never as
// completed.
type TokenStore struct {
	mu     sync.RWMutex
	chains map[uuid.UUID]*ChainInfo

	grace time.Duration
	now   func() time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// DefaultRetentionGrace is how long terminal chains stay queryable.
const DefaultRetentionGrace = time.Hour

// janitorInterval is how often purgeable entries are swept.
const janitorInterval = time.Minute

// NewTokenStore creates a token store retaining terminal chains for grace.
// A non-positive grace falls back to DefaultRetentionGrace.
func NewTokenStore(grace time.Duration) *TokenStore {
	if grace <= 0 {
		grace = DefaultRetentionGrace
	}
	return &TokenStore{
		chains: make(map[uuid.UUID]*ChainInfo),
		grace:  grace,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the retention janitor.
func (s *TokenStore) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purgeExpired(s.now())
			}
		}
	}()
}

// Stop stops the janitor.
func (s *TokenStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// Create records a new chain in PENDING state. The token must be fresh.
func (s *TokenStore) Create(token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chains[token]; exists {
		return errors.E(errors.KindInternal, "chain.TokenStore.Create", "token already exists")
	}
	now := s.now()
	s.chains[token] = &ChainInfo{
		Token:     token,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MarkRunning advances a pending chain to RUNNING. No-op once running or
// terminal: status never rolls back.
func (s *TokenStore) MarkRunning(token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.chains[token]
	if !ok || info.Status != StatusPending {
		return
	}
	info.Status = StatusRunning
	info.UpdatedAt = s.now()
}

// MarkCompleted advances a chain to COMPLETED unless it is already terminal.
func (s *TokenStore) MarkCompleted(token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.chains[token]
	if !ok || info.Status.Terminal() {
		return
	}
	now := s.now()
	info.Status = StatusCompleted
	info.UpdatedAt = now
	info.terminalAt = now
}

// MarkFailed advances a chain to FAILED, recording the failing stage and its
// detail. The first terminal outcome wins; later calls are no-ops.
func (s *TokenStore) MarkFailed(token uuid.UUID, stage Kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.chains[token]
	if !ok || info.Status.Terminal() {
		return
	}
	now := s.now()
	info.Status = StatusFailed
	info.FailedKind = stage
	info.FailureDetail = detail
	info.UpdatedAt = now
	info.terminalAt = now
}

// Status returns a copy of the chain record for the token, or a not-found
// error for unknown or purged tokens.
func (s *TokenStore) Status(token uuid.UUID) (ChainInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.chains[token]
	if !ok {
		return ChainInfo{}, errors.ErrTokenNotFound
	}
	return *info, nil
}

// purgeExpired drops terminal chains whose grace period has elapsed and
// returns how many were removed.
func (s *TokenStore) purgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, info := range s.chains {
		if info.Status.Terminal() && now.Sub(info.terminalAt) >= s.grace {
			delete(s.chains, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked chains.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains)
}
