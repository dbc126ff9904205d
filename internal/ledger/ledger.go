// Package ledger tracks where each application is in the scoring lifecycle.
// State lives in a lake table keyed by (email, request_id) and is read back
// on every call, so a fresh process picks up where the last one stopped.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
)

type Ledger interface {
	RecordPending(ctx context.Context, email, requestID string, payloadHash *string) (bool, error)
	SeedPending(ctx context.Context, keys []Key) (int, error)
	MarkSent(ctx context.Context, email, requestID string, opts ...MarkOption) (Entry, error)
	MarkScored(ctx context.Context, email, requestID string, score, limit float64) (Entry, error)
	MarkError(ctx context.Context, email, requestID, reason string) (Entry, error)
	GetPending(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, email, requestID string) (Entry, bool, error)
	List(ctx context.Context) ([]Entry, error)
	ListByStatus(ctx context.Context, status constants.LedgerStatus) ([]Entry, error)
}

// MarkOption adjusts a MarkSent transition.
type MarkOption func(*Entry)

// WithPayloadHash records the hash of the payload that was sent.
func WithPayloadHash(hash string) MarkOption {
	return func(e *Entry) { e.PayloadHash = &hash }
}

type Option func(*ledgerRepo)

// WithClock replaces time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *ledgerRepo) { r.now = now }
}

type ledgerRepo struct {
	store *lake.Store
	table string
	log   *slog.Logger
	now   func() time.Time
}

// errUnchanged aborts an update that would rewrite identical contents.
var errUnchanged = errors.New("ledger unchanged")

func New(store *lake.Store, table string, log *slog.Logger, opts ...Option) Ledger {
	if log == nil {
		log = slog.Default()
	}
	r := &ledgerRepo{store: store, table: table, log: log, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *ledgerRepo) RecordPending(ctx context.Context, email, requestID string, payloadHash *string) (bool, error) {
	n, err := r.seed(ctx, []Key{{Email: email, RequestID: requestID}}, payloadHash)
	return n == 1, err
}

// SeedPending inserts a PENDING row for every key not yet in the ledger and
// returns how many were inserted. Existing rows keep their status.
func (r *ledgerRepo) SeedPending(ctx context.Context, keys []Key) (int, error) {
	return r.seed(ctx, keys, nil)
}

func (r *ledgerRepo) seed(ctx context.Context, keys []Key, payloadHash *string) (int, error) {
	var inserted int
	err := r.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		inserted = 0
		seen := make(map[Key]struct{}, len(entries)+len(keys))
		for _, e := range entries {
			seen[e.Key()] = struct{}{}
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			entries = append(entries, newPending(k, payloadHash))
			inserted++
		}
		if inserted == 0 {
			return nil, errUnchanged
		}
		return entries, nil
	})
	if err != nil {
		r.logger(ctx).Error("ledger.seed.failed", "keys", len(keys), "error", err)
		return 0, err
	}
	if inserted > 0 {
		metrics.LedgerTransitions.WithLabelValues(string(constants.LedgerStatusPending)).Add(float64(inserted))
		r.logger(ctx).Info("ledger.seed", "inserted", inserted, "existing", len(keys)-inserted)
	}
	return inserted, nil
}

func (r *ledgerRepo) MarkSent(ctx context.Context, email, requestID string, opts ...MarkOption) (Entry, error) {
	now := r.now().UTC()
	return r.transition(ctx, Key{Email: email, RequestID: requestID}, constants.LedgerStatusSent, func(e *Entry) {
		e.SentAt = &now
		for _, o := range opts {
			o(e)
		}
	})
}

func (r *ledgerRepo) MarkScored(ctx context.Context, email, requestID string, score, limit float64) (Entry, error) {
	now := r.now().UTC()
	return r.transition(ctx, Key{Email: email, RequestID: requestID}, constants.LedgerStatusScored, func(e *Entry) {
		e.ScoredAt = &now
		e.Score = &score
		e.Limit = &limit
	})
}

// MarkError parks the application for manual follow-up. The reason is logged only.
func (r *ledgerRepo) MarkError(ctx context.Context, email, requestID, reason string) (Entry, error) {
	e, err := r.transition(ctx, Key{Email: email, RequestID: requestID}, constants.LedgerStatusError, nil)
	if err == nil {
		r.logger(ctx).Warn("ledger.mark_error", "email", email, "request_id", requestID, "reason", reason)
	}
	return e, err
}

// transition moves key to status in a single commit, creating the row first
// when the key has never been seen.
func (r *ledgerRepo) transition(ctx context.Context, key Key, to constants.LedgerStatus, apply func(*Entry)) (Entry, error) {
	var (
		result  Entry
		from    constants.LedgerStatus
		created bool
	)
	err := r.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		i, err := locate(entries, key)
		created = false
		if errors.Is(err, common.ErrLedgerKeyNotFound) {
			entries = append(entries, newPending(key, nil))
			i, created = len(entries)-1, true
		}
		e := &entries[i]
		from = e.Status
		if !from.CanTransition(to) {
			return nil, fmt.Errorf("%w: %s %s -> %s", common.ErrInvalidTransition, key, from, to)
		}
		if apply != nil {
			apply(e)
		}
		e.Status = to
		result = *e
		return entries, nil
	})
	if err != nil {
		r.logger(ctx).Error("ledger.transition.failed", "email", key.Email, "request_id", key.RequestID, "to", to, "error", err)
		return Entry{}, err
	}
	metrics.LedgerTransitions.WithLabelValues(string(to)).Inc()
	r.logger(ctx).Info("ledger.transition",
		"email", key.Email,
		"request_id", key.RequestID,
		"from", from,
		"to", to,
		"created", created,
	)
	return result, nil
}

func (r *ledgerRepo) GetPending(ctx context.Context) ([]Entry, error) {
	return r.ListByStatus(ctx, constants.LedgerStatusPending)
}

func (r *ledgerRepo) Get(ctx context.Context, email, requestID string) (Entry, bool, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	i, err := locate(entries, Key{Email: email, RequestID: requestID})
	if err != nil {
		return Entry{}, false, nil
	}
	return entries[i], true, nil
}

// List returns every row in table order. A ledger that was never written is empty.
func (r *ledgerRepo) List(ctx context.Context) ([]Entry, error) {
	snap, err := r.store.Read(ctx, r.table)
	if errors.Is(err, common.ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return decode(snap)
}

func (r *ledgerRepo) ListByStatus(ctx context.Context, status constants.LedgerStatus) ([]Entry, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// logger tags log lines with the pipeline run that caused them.
func (r *ledgerRepo) logger(ctx context.Context) *slog.Logger {
	if runID := common.RunIDFromContext(ctx); runID != "" {
		return r.log.With("run_id", runID)
	}
	return r.log
}

// mutate runs fn inside a lake read-modify-write. fn may run more than once.
func (r *ledgerRepo) mutate(ctx context.Context, fn func([]Entry) ([]Entry, error)) error {
	_, err := r.store.Update(ctx, r.table, func(snap lake.Snapshot) (lake.Schema, []lake.Record, error) {
		entries, err := decode(snap)
		if err != nil {
			return lake.Schema{}, nil, err
		}
		next, err := fn(entries)
		if err != nil {
			return lake.Schema{}, nil, err
		}
		return Schema, encode(next), nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func locate(entries []Entry, key Key) (int, error) {
	for i, e := range entries {
		if e.Key() == key {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", common.ErrLedgerKeyNotFound, key)
}
