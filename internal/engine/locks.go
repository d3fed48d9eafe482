package engine

import "sync"

// sessionLocks hands out one mutex per session so mutations into the same
// session serialize while distinct sessions proceed in parallel. Entries are
// not reclaimed; a session's mutex outliving it is harmless and keeps the
// map simple.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *sessionLocks) forSession(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}
