package orchestrator

import (
	"context"
	"sync"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// Pending is the handle of one submitted command.
type Pending struct {
	mu     sync.Mutex
	cmd    schemas.Command
	result schemas.CommandResult
	done   chan struct{}
}

func newPending(cmd schemas.Command) *Pending {
	return &Pending{cmd: cmd, done: make(chan struct{})}
}

// ID is the command ID.
func (p *Pending) ID() string {
	return p.cmd.ID
}

// Command returns the latest known state of the command.
func (p *Pending) Command() schemas.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// Done is closed once the command reached a terminal state.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command ends or ctx is done. The returned error is
// the command's failure cause, or ctx.Err() if the caller stopped waiting.
func (p *Pending) Wait(ctx context.Context) (schemas.CommandResult, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, p.result.Err
	case <-ctx.Done():
		return schemas.CommandResult{Command: p.Command()}, ctx.Err()
	}
}

func (p *Pending) finish(res schemas.CommandResult) {
	p.mu.Lock()
	p.cmd = res.Command
	p.result = res
	p.mu.Unlock()
	close(p.done)
}

// Batch is the handle of a bulk connect. Each element is an independent
// command sharing the batch ID.
type Batch struct {
	id       string
	elements []*Pending
}

// ID is the batch ID.
func (b *Batch) ID() string {
	return b.id
}

// Elements returns the per-element handles in input order.
func (b *Batch) Elements() []*Pending {
	return b.elements
}

// Wait returns every element's result in input order. When some elements
// failed the error is a *schemas.PartialBatchFailure.
func (b *Batch) Wait(ctx context.Context) ([]schemas.CommandResult, error) {
	results := make([]schemas.CommandResult, len(b.elements))
	var failed []int
	for i, p := range b.elements {
		res, err := p.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		results[i] = res
		if err != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) > 0 {
		return results, &schemas.PartialBatchFailure{Failed: failed, Results: results}
	}
	return results, nil
}
