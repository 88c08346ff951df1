package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const stateTTL = 10 * time.Minute

// stateStore tracks in-flight enrollment attempts. Each login issues a
// one-time state token bound to a user_id; the callback consumes it.
type stateStore struct {
	mu      sync.Mutex
	pending map[string]pendingState
}

type pendingState struct {
	userID    string
	expiresAt time.Time
}

func newStateStore() *stateStore {
	return &stateStore{pending: make(map[string]pendingState)}
}

// issue creates a state token for userID, valid for stateTTL.
func (s *stateStore) issue(userID string) string {
	state := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.pending[state] = pendingState{userID: userID, expiresAt: time.Now().Add(stateTTL)}
	return state
}

// consume validates a state token and returns the bound user_id. Tokens
// are single-use.
func (s *stateStore) consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return "", false
	}
	delete(s.pending, state)
	if time.Now().After(p.expiresAt) {
		return "", false
	}
	return p.userID, true
}

// prune drops expired states; called under lock.
func (s *stateStore) prune() {
	now := time.Now()
	for k, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, k)
		}
	}
}
