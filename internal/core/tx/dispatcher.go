package tx

import (
	"context"

	"metapus/pkg/logger"
)

// dispatcher fans out the six synchronization callbacks across a list of
// participants with the error-isolation semantics fixed by spec: BeforeCommit
// propagates the first error and stops; BeforeCompletion, AfterCompletion,
// and the suspend/resume pair catch and log each participant's error and
// always run the rest; AfterCommit propagates the
// first error and stops there too (open question (a): the transaction is
// still considered committed even though the error reaches the caller).
//
// All four completion phases iterate participants in registration order —
// there is no reversal on the way out, matching the upstream engine this
// design is ported from.
type dispatcher struct{}

func (dispatcher) beforeCommit(ctx context.Context, syncs []Synchronization, readOnly bool) error {
	for _, s := range syncs {
		if err := s.BeforeCommit(ctx, readOnly); err != nil {
			return err
		}
	}
	return nil
}

func (dispatcher) beforeCompletion(ctx context.Context, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			logger.Warn(ctx, "transaction synchronization beforeCompletion failed", "error", err)
		}
	}
}

func (dispatcher) afterCommit(ctx context.Context, syncs []Synchronization) error {
	for _, s := range syncs {
		if err := s.AfterCommit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (dispatcher) afterCompletion(ctx context.Context, syncs []Synchronization, status CompletionStatus) {
	for _, s := range syncs {
		if err := s.AfterCompletion(ctx, status); err != nil {
			logger.Error(ctx, "transaction synchronization afterCompletion failed",
				"status", status.String(), "error", err)
		}
	}
}

func (dispatcher) suspend(ctx context.Context, syncs []Synchronization) []Synchronization {
	for _, s := range syncs {
		if err := s.Suspend(ctx); err != nil {
			logger.Warn(ctx, "transaction synchronization suspend failed", "error", err)
		}
	}
	return syncs
}

func (dispatcher) resume(ctx context.Context, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.Resume(ctx); err != nil {
			logger.Warn(ctx, "transaction synchronization resume failed", "error", err)
		}
	}
}
