package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/db"
)

// Drift is one user whose balance no longer matches the replayed transaction
// log — typically a balance write whose paired transaction was lost.
type Drift struct {
	OwnerID   uuid.UUID `db:"owner_id"`
	Remaining int       `db:"remaining"`
	Replayed  int       `db:"replayed"`
	TxnCount  int64     `db:"txn_count"`
}

// Reconciler detects balance-advanced-but-no-transaction drift on startup.
type Reconciler struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewReconciler creates a Reconciler over the read pool.
func NewReconciler(pool *pgxpool.Pool, log zerolog.Logger) (*Reconciler, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Reconciler{pool: pool, log: log}, nil
}

const driftQuery = `
SELECT u.id AS owner_id,
       u.credits_remaining AS remaining,
       COALESCE(t.delta, 0) AS replayed,
       COALESCE(t.n, 0) AS txn_count
FROM users u
LEFT JOIN (
    SELECT owner_id,
           SUM(CASE WHEN type = 'debit' THEN -amount ELSE amount END) AS delta,
           COUNT(*) AS n
    FROM transactions
    GROUP BY owner_id
) t ON t.owner_id = u.id
WHERE u.credits_remaining <> COALESCE(t.delta, 0)`

// Scan returns every drifted user and logs each on the operator channel.
func (r *Reconciler) Scan(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	if err := db.Select(ctx, r.pool, &drifts, driftQuery); err != nil {
		return nil, err
	}

	for _, d := range drifts {
		r.log.Error().Str("channel", "operator").
			Str("owner_id", d.OwnerID.String()).
			Int("remaining", d.Remaining).
			Int("replayed", d.Replayed).
			Int64("txn_count", d.TxnCount).
			Msg("ledger drift: balance does not match transaction log")
	}
	return drifts, nil
}
