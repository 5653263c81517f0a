package conversation

import (
	"context"
	"sync"
)

// slots is a keyed single-writer lock whose acquisition honours context
// cancellation. Idle keys are dropped.
type slots struct {
	mu   sync.Mutex
	byID map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func newSlots() *slots {
	return &slots{byID: map[string]*slot{}}
}

func (s *slots) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	sl, ok := s.byID[key]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.byID[key] = sl
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		s.drop(key, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.sem
			s.drop(key, sl)
		})
	}, nil
}

func (s *slots) drop(key string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.byID, key)
	}
}

func (s *slots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
