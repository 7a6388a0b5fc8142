package session

import (
	"sync"
	"time"
)

// Store keeps the sessions this process has accepted. It is process-local:
// nothing survives a restart and other instances never see it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (s *Store) GetAll() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	return result
}

func (s *Store) Update(state *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.ID] = state.Clone()
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.State.IsTerminal() {
			count++
		}
	}
	return count
}

// Prune drops terminal sessions that finished before cutoff and for which
// keep returns false. It returns the removed ids.
func (s *Store) Prune(cutoff time.Time, keep func(id string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, st := range s.sessions {
		if !st.State.IsTerminal() || st.FinishedAt == nil || st.FinishedAt.After(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(s.sessions, id)
		removed = append(removed, id)
	}
	return removed
}
