package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/provisiond/internal/bus"
)

// Pool runs several executors as competing consumers of one subscription, so each request
// is executed by exactly one instance.
type Pool struct {
	sub       bus.Subscriber
	channel   string
	executors []*Executor
}

func NewPool(sub bus.Subscriber, channel string, executors ...*Executor) *Pool {
	return &Pool{sub: sub, channel: channel, executors: executors}
}

// Size returns the number of pooled instances.
func (p *Pool) Size() int {
	return len(p.executors)
}

// Busy returns the number of instances currently executing.
func (p *Pool) Busy() int {
	n := 0
	for _, e := range p.executors {
		if e.State() == StateExecuting {
			n++
		}
	}
	return n
}

// Start subscribes once and serves requests on every executor until ctx is done. It returns
// the first error that is not a context cancellation.
func (p *Pool) Start(ctx context.Context) error {
	sub, err := p.sub.Subscribe(ctx, p.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	defer sub.Close()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, e := range p.executors {
		wg.Add(1)
		go func(e *Executor) {
			defer wg.Done()
			if err := e.serve(ctx, sub.C); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() { first = err })
			}
		}(e)
	}
	wg.Wait()
	if first != nil {
		return first
	}
	return ctx.Err()
}
