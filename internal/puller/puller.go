// Package puller registers snapshot-atom pullers and runs them under a
// per-atom timeout. Pulls are issued by the engine with no lock held.
package puller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/keiryo/internal/model"
)

// DefaultTimeout bounds one pull when the registration does not override
// it.
const DefaultTimeout = 5 * time.Second

// Puller materializes the current snapshot of one atom.
type Puller interface {
	Pull(ctx context.Context, atom int32) ([]*model.LogEvent, error)
}

// PullFunc adapts a function to the Puller interface.
type PullFunc func(ctx context.Context, atom int32) ([]*model.LogEvent, error)

// Pull implements Puller.
func (f PullFunc) Pull(ctx context.Context, atom int32) ([]*model.LogEvent, error) {
	return f(ctx, atom)
}

// ErrNoPuller reports a pull request for an atom with no registration.
var ErrNoPuller = errors.New("puller: no puller registered")

type registration struct {
	puller  Puller
	timeout time.Duration
}

// Registry maps atoms to pullers.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	pullers map[int32]registration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		pullers: make(map[int32]registration),
	}
}

// Register installs a puller for the atom; timeout <= 0 selects
// DefaultTimeout. The latest registration wins.
func (r *Registry) Register(atom int32, p Puller, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullers[atom] = registration{puller: p, timeout: timeout}
}

// Unregister removes the atom's puller.
func (r *Registry) Unregister(atom int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pullers, atom)
}

// Pull runs the atom's puller under its timeout. A deadline error is
// returned as context.DeadlineExceeded so callers can account timeouts
// separately from failures.
func (r *Registry) Pull(ctx context.Context, atom int32) ([]*model.LogEvent, error) {
	r.mu.Lock()
	reg, ok := r.pullers[atom]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: atom %d", ErrNoPuller, atom)
	}

	pullCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	events, err := reg.puller.Pull(pullCtx, atom)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			r.logger.Debug("puller: timeout", "atom", atom)
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("puller: pull atom %d: %w", atom, err)
	}
	return events, nil
}
