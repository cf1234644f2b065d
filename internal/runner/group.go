package runner

import (
	"context"
	"sync"
)

// Group runs long-lived tasks and waits for all of them to return
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn and returns a channel carrying its error once it returns
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		done <- fn(ctx)
		close(done)
	}()
	return done
}

// Wait blocks until every task has returned
func (g *Group) Wait() { g.wg.Wait() }
