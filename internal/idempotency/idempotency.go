// Package idempotency guards side effects keyed by an external reference.
//
// A caller reserves (source, external_ref) before performing its effect.
// The first reservation wins; every later caller observes the stored
// outcome instead of repeating the effect. Uniqueness is enforced by the
// storage layer, never by check-then-act in application code.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrEmptyKey = errors.New("idempotency: source and external reference are required")
	ErrNotFound = errors.New("idempotency: record not found")
)

// Outcome is the terminal result stored for a key.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// Record is a stored reservation.
type Record struct {
	Source      string    `json:"source"`
	ExternalRef string    `json:"externalRef"`
	Outcome     Outcome   `json:"outcome"`
	MovementID  string    `json:"movementId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Reservation is the answer to Reserve: either the caller acquired the key
// (Record is the caller's own claim) or the key was already applied and
// Record holds the earlier outcome.
type Reservation struct {
	Acquired bool
	Record   *Record
}

// AlreadyApplied reports whether an earlier caller holds the key.
func (r Reservation) AlreadyApplied() bool { return !r.Acquired }

// Store persists reservation records. Insert must be atomic: of N
// concurrent inserts for the same key exactly one reports inserted=true.
type Store interface {
	Insert(ctx context.Context, rec *Record) (existing *Record, inserted bool, err error)
	Get(ctx context.Context, source, ref string) (*Record, error)
	Delete(ctx context.Context, source, ref string) error
}

// Guard wraps a Store with validation and metrics.
type Guard struct {
	store Store
}

// NewGuard creates a guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Reserve claims (source, ref) with the given outcome and movement id.
func (g *Guard) Reserve(ctx context.Context, source, ref string, outcome Outcome, movementID string) (Reservation, error) {
	rec, err := newRecord(source, ref, outcome, movementID)
	if err != nil {
		return Reservation{}, err
	}
	existing, inserted, err := g.store.Insert(ctx, rec)
	if err != nil {
		return Reservation{}, err
	}
	return observe(source, existing, inserted), nil
}

// Release drops a reservation whose effect was rolled back.
func (g *Guard) Release(ctx context.Context, source, ref string) error {
	return g.store.Delete(ctx, source, ref)
}

// Lookup returns the stored record for a key, or ErrNotFound.
func (g *Guard) Lookup(ctx context.Context, source, ref string) (*Record, error) {
	return g.store.Get(ctx, source, ref)
}

func newRecord(source, ref string, outcome Outcome, movementID string) (*Record, error) {
	if source == "" || ref == "" {
		return nil, ErrEmptyKey
	}
	if outcome == "" {
		outcome = OutcomeApplied
	}
	return &Record{
		Source:      source,
		ExternalRef: ref,
		Outcome:     outcome,
		MovementID:  movementID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func observe(source string, rec *Record, inserted bool) Reservation {
	if inserted {
		reservationsTotal.WithLabelValues(source, "acquired").Inc()
	} else {
		reservationsTotal.WithLabelValues(source, "already_applied").Inc()
	}
	return Reservation{Acquired: inserted, Record: rec}
}

var reservationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "idempotency_reservations_total",
		Help:      "Idempotency reservations by source and result.",
	},
	[]string{"source", "result"},
)

func init() {
	prometheus.MustRegister(reservationsTotal)
}
