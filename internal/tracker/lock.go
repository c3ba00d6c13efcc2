package tracker

import (
	"context"
)

// Locker is an inter-process lock such as *filelock.FileLock.
type Locker interface {
	Lock() error
	Unlock() error
}

type lockedSearcher struct {
	next   Searcher
	locker Locker
}

// WithLock serializes every search of next through locker, so that workers
// sharing one credential do not hit the backend concurrently.
func WithLock(next Searcher, locker Locker) Searcher {
	if locker == nil {
		return next
	}
	return &lockedSearcher{next: next, locker: locker}
}

func (s *lockedSearcher) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := s.locker.Lock(); err != nil {
		return nil, err
	}
	defer s.locker.Unlock()
	return s.next.Search(ctx, req)
}

// SearchFunc adapts a function to a Searcher.
type SearchFunc func(ctx context.Context, req SearchRequest) (*SearchResult, error)

// Search calls f.
func (f SearchFunc) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	return f(ctx, req)
}
