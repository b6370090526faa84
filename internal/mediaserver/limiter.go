package mediaserver

import "context"

// IOLimiter bounds the number of files open for streaming at once.
type IOLimiter struct {
	sem chan struct{}
}

func NewIOLimiter(maxConcurrent int) *IOLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &IOLimiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (l *IOLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.sem <- struct{}{}:
		return nil
	}
}

func (l *IOLimiter) Release() {
	<-l.sem
}
