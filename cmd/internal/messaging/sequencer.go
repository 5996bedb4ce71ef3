package messaging

import "sync"

// sequencer hands out one mutex per conversation. Entries are dropped when the
// last holder releases, so idle conversations cost nothing.
type sequencer struct {
	mu    sync.Mutex
	locks map[string]*seqLock
}

type seqLock struct {
	sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{locks: make(map[string]*seqLock)}
}

// Lock blocks until key is held and returns its release func.
func (s *sequencer) Lock(key string) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &seqLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
