package builder

import (
	"context"
	"io"
	"sync"
)

// FakeRunner is intended for tests and local dry-runs. Script decides what
// each invocation prints and returns; a nil Script succeeds silently.
type FakeRunner struct {
	mu sync.Mutex

	Calls  []CommandSpec
	Script func(spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

func (r *FakeRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, spec)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if r.Script == nil {
		return 0, nil
	}
	return r.Script(spec, stdout, stderr)
}

func (r *FakeRunner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
