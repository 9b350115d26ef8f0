package replicator

import "context"

// Shutdown is a single-shot stop request.  Signal may be called from any goroutine
// any number of times; once signaled it stays signaled.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewShutdown() *Shutdown {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shutdown{ctx: ctx, cancel: cancel}
}

// Signal requests shutdown.
func (s *Shutdown) Signal() {
	s.cancel()
}

// Done is closed once shutdown has been requested.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Signaled reports whether shutdown has been requested.
func (s *Shutdown) Signaled() bool {
	return s.ctx.Err() != nil
}

// Bind returns a child of parent which is also cancelled when shutdown is
// signaled, so that blocking I/O using it wakes as soon as Signal is called.
func (s *Shutdown) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
