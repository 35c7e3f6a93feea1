package net

import "sync"

// ConnSet is the process-wide set of accepted transports, used only for
// the shutdown broadcast. Add on accept, remove when the session ends.
type ConnSet struct {
	mu sync.Mutex
	m  map[int64]*Transport
}

func NewConnSet() *ConnSet {
	return &ConnSet{m: make(map[int64]*Transport)}
}

func (s *ConnSet) Add(t *Transport) {
	s.mu.Lock()
	s.m[t.Handle()] = t
	s.mu.Unlock()
}

func (s *ConnSet) Remove(handle int64) {
	s.mu.Lock()
	delete(s.m, handle)
	s.mu.Unlock()
}

func (s *ConnSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Broadcast sends line to every transport best-effort. Writes that race
// with a session's own writes are tolerated: the protocol is append-only
// lines and each transport serializes its writer.
func (s *ConnSet) Broadcast(line string) {
	s.mu.Lock()
	targets := make([]*Transport, 0, len(s.m))
	for _, t := range s.m {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.TrySend(line)
	}
}

// CloseAll shuts every transport to unblock outstanding reads.
func (s *ConnSet) CloseAll() {
	s.mu.Lock()
	targets := make([]*Transport, 0, len(s.m))
	for _, t := range s.m {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.Close()
	}
}
