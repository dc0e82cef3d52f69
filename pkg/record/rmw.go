package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

const (
	// rmwMaxAttempts bounds the read-modify-write loop. Past this, the
	// operation surfaces as transient (UNAVAILABLE at the gRPC layer).
	rmwMaxAttempts = 8
)

// ErrUnchanged may be returned by a mutation function to signal that the
// record already reflects the desired state; the loop stops without
// writing and reports the current version.
var ErrUnchanged = errors.New("record unchanged")

// newRMWBackoff returns the conflict backoff: 50ms initial, factor 2,
// jitter +/-20%, capped at 2s.
func newRMWBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return bo
}

// Mutate runs a read-modify-write cycle against the record for volumeID,
// retrying on version conflicts. The mutation function receives a copy of
// the current record; returning ErrUnchanged skips the write. Returns
// ErrNotFound if the record does not exist, and ErrConflict (wrapped) once
// the attempts are exhausted.
func Mutate(ctx context.Context, store Store, volumeID string, fn func(*Record) error) (*Versioned, error) {
	bo := newRMWBackoff()

	for attempt := 1; ; attempt++ {
		current, err := store.Get(ctx, volumeID)
		if err != nil {
			return nil, err
		}

		rec := cloneRecord(current.Record)
		if err := fn(&rec); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return current, nil
			}
			return nil, err
		}

		updated, err := store.Update(ctx, rec, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		if attempt >= rmwMaxAttempts {
			return nil, fmt.Errorf("record %s: %d update attempts exhausted: %w", volumeID, attempt, ErrConflict)
		}

		wait := bo.NextBackOff()
		klog.V(4).Infof("Record %s update conflict (attempt %d), retrying in %v", volumeID, attempt, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MutateOrCreate behaves like Mutate but creates the record via init() when
// it does not exist. A create losing the race to a concurrent creator
// falls back to mutating the winner's record.
func MutateOrCreate(ctx context.Context, store Store, volumeID string, init func() Record, fn func(*Record) error) (*Versioned, error) {
	for attempt := 1; ; attempt++ {
		v, err := Mutate(ctx, store, volumeID, fn)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		rec := init()
		if err := fn(&rec); err != nil && !errors.Is(err, ErrUnchanged) {
			return nil, err
		}

		created, err := store.Create(ctx, rec)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		if attempt >= rmwMaxAttempts {
			return nil, fmt.Errorf("record %s: lost create race %d times: %w", volumeID, attempt, ErrConflict)
		}
		// Someone else created it between Get and Create; mutate theirs.
	}
}

func cloneRecord(rec Record) Record {
	out := rec
	out.NodesWithVolume = append([]string(nil), rec.NodesWithVolume...)
	out.NodesCompleted = append([]string(nil), rec.NodesCompleted...)
	if rec.DeadlineAt != nil {
		d := *rec.DeadlineAt
		out.DeadlineAt = &d
	}
	return out
}
