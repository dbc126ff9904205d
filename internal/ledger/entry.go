package ledger

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

// Ledger table columns.
const (
	colEmail     = "email"
	colRequestID = "request_id"
	colStatus    = "status"
	colHash      = "payload_hash"
	colSentAt    = "sent_timestamp"
	colScoredAt  = "scored_timestamp"
	colScore     = "score"
	colLimit     = "limit"
)

// Schema is the persisted layout of the ledger table.
var Schema = lake.NewSchema(
	lake.Column{Name: colEmail, Type: lake.Text},
	lake.Column{Name: colRequestID, Type: lake.Text},
	lake.Column{Name: colStatus, Type: lake.Text},
	lake.Column{Name: colHash, Type: lake.Text},
	lake.Column{Name: colSentAt, Type: lake.Timestamp},
	lake.Column{Name: colScoredAt, Type: lake.Timestamp},
	lake.Column{Name: colScore, Type: lake.Numeric},
	lake.Column{Name: colLimit, Type: lake.Numeric},
)

// Key identifies one application.
type Key struct {
	Email     string
	RequestID string
}

func (k Key) String() string { return fmt.Sprintf("(%s, %s)", k.Email, k.RequestID) }

// Entry is one application's row in the ledger.
type Entry struct {
	Email       string
	RequestID   string
	Status      constants.LedgerStatus
	PayloadHash *string
	SentAt      *time.Time
	ScoredAt    *time.Time
	Score       *float64
	Limit       *float64
}

func (e Entry) Key() Key { return Key{Email: e.Email, RequestID: e.RequestID} }

func newPending(k Key, payloadHash *string) Entry {
	return Entry{
		Email:       k.Email,
		RequestID:   k.RequestID,
		Status:      constants.LedgerStatusPending,
		PayloadHash: payloadHash,
	}
}

func (e Entry) record() lake.Record {
	r := lake.Record{
		colEmail:     e.Email,
		colRequestID: e.RequestID,
		colStatus:    string(e.Status),
		colHash:      nil,
		colSentAt:    nil,
		colScoredAt:  nil,
		colScore:     nil,
		colLimit:     nil,
	}
	if e.PayloadHash != nil {
		r[colHash] = *e.PayloadHash
	}
	if e.SentAt != nil {
		r[colSentAt] = *e.SentAt
	}
	if e.ScoredAt != nil {
		r[colScoredAt] = *e.ScoredAt
	}
	if e.Score != nil {
		r[colScore] = *e.Score
	}
	if e.Limit != nil {
		r[colLimit] = *e.Limit
	}
	return r
}

func entryFromRecord(r lake.Record) (Entry, error) {
	email, _ := r[colEmail].(string)
	requestID, _ := r[colRequestID].(string)
	raw, _ := r[colStatus].(string)
	status, ok := constants.ParseLedgerStatus(raw)
	if !ok {
		return Entry{}, fmt.Errorf("ledger row (%s, %s): unknown status %q", email, requestID, raw)
	}
	e := Entry{Email: email, RequestID: requestID, Status: status}
	if s, ok := r[colHash].(string); ok {
		e.PayloadHash = &s
	}
	if t, ok := r[colSentAt].(time.Time); ok {
		e.SentAt = &t
	}
	if t, ok := r[colScoredAt].(time.Time); ok {
		e.ScoredAt = &t
	}
	if f, ok := r[colScore].(float64); ok {
		e.Score = &f
	}
	if f, ok := r[colLimit].(float64); ok {
		e.Limit = &f
	}
	return e, nil
}

func decode(snap lake.Snapshot) ([]Entry, error) {
	out := make([]Entry, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		e, err := entryFromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func encode(entries []Entry) []lake.Record {
	out := make([]lake.Record, len(entries))
	for i, e := range entries {
		out[i] = e.record()
	}
	return out
}
