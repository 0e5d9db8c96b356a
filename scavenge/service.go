package scavenge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("scavenge already running")

// Status describes the current or last scavenge run.
type Status struct {
	Running   bool
	RunID     string
	Phase     Phase
	StartedAt time.Time
	// LastResult and LastErr are set once a run finished.
	LastResult *Result
	LastErr    error
}

// Service is the control surface admin tooling uses: at most one run at a time,
// stoppable, with its progress observable.
type Service struct {
	scavenger *Scavenger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	last      *Result
	lastErr   error
}

func NewService(s *Scavenger) *Service {
	return &Service{scavenger: s}
}

// Start launches a run in the background. The run stops when ctx is done or
// Stop is called.
func (svc *Service) Start(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	svc.cancel, svc.done, svc.startedAt = cancel, done, time.Now()

	go func() {
		defer close(done)
		res, err := svc.scavenger.Run(ctx)
		cancel()
		svc.mu.Lock()
		svc.last, svc.lastErr = &res, err
		svc.cancel, svc.done = nil, nil
		svc.mu.Unlock()
	}()
	return nil
}

// Stop cancels the running scavenge and waits until it has stopped or ctx is
// done. Stopping when nothing runs is a no-op.
func (svc *Service) Stop(ctx context.Context) error {
	svc.mu.Lock()
	cancel, done := svc.cancel, svc.done
	svc.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the running scavenge finishes and returns its outcome.
func (svc *Service) Wait(ctx context.Context) (Result, error) {
	svc.mu.Lock()
	done := svc.done
	svc.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.last == nil {
		return Result{}, nil
	}
	return *svc.last, svc.lastErr
}

func (svc *Service) Status() Status {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	st := Status{Running: svc.done != nil, StartedAt: svc.startedAt, LastResult: svc.last, LastErr: svc.lastErr}
	st.RunID, st.Phase, _ = svc.scavenger.Progress()
	return st
}
