package feedback

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores effectiveness records and the outcome audit trail.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres { return &Postgres{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS effectiveness_records (
	category             TEXT PRIMARY KEY,
	measured_improvement DOUBLE PRECISION NOT NULL,
	sample_count         INTEGER NOT NULL,
	weight_sum           DOUBLE PRECISION NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS action_outcomes (
	segment_id        TEXT NOT NULL,
	alert_ts          TIMESTAMPTZ NOT NULL,
	recommendation_id TEXT NOT NULL,
	category          TEXT NOT NULL,
	implemented_at    TIMESTAMPTZ NOT NULL,
	speed_before      DOUBLE PRECISION NOT NULL,
	speed_after       DOUBLE PRECISION,
	effectiveness     DOUBLE PRECISION,
	samples           INTEGER NOT NULL,
	phase             TEXT NOT NULL,
	scored_at         TIMESTAMPTZ NOT NULL,
	table_version     BIGINT NOT NULL,
	PRIMARY KEY (segment_id, alert_ts, recommendation_id)
);`

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) LoadRecords(ctx context.Context) ([]domain.EffectivenessRecord, error) {
	query := `
		SELECT category, measured_improvement, sample_count, weight_sum, updated_at
		FROM effectiveness_records
		ORDER BY category
	`
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query effectiveness records: %w", err)
	}
	defer rows.Close()

	var out []domain.EffectivenessRecord
	for rows.Next() {
		var r domain.EffectivenessRecord
		var cat string
		if err := rows.Scan(&cat, &r.MeasuredImprovement, &r.SampleCount, &r.WeightSum, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan effectiveness row: %w", err)
		}
		r.Category = domain.ActionCategory(cat)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveOutcome upserts the outcome and, when applied, its category record.
func (p *Postgres) SaveOutcome(ctx context.Context, o Outcome) error {
	a := o.Action
	_, err := p.db.Exec(ctx, `
		INSERT INTO action_outcomes (
			segment_id, alert_ts, recommendation_id, category, implemented_at,
			speed_before, speed_after, effectiveness, samples, phase, scored_at, table_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (segment_id, alert_ts, recommendation_id) DO UPDATE SET
			speed_after = EXCLUDED.speed_after,
			effectiveness = EXCLUDED.effectiveness,
			samples = EXCLUDED.samples,
			phase = EXCLUDED.phase,
			scored_at = EXCLUDED.scored_at,
			table_version = EXCLUDED.table_version
	`,
		a.Key.SegmentID, a.Key.Timestamp, a.RecommendationID, string(a.Category), a.ImplementedAt,
		a.SpeedBefore, o.SpeedAfter, o.Effectiveness, o.Samples, string(o.Phase), o.ScoredAt, int64(o.TableVersion),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save outcome: %w", err)
	}
	if o.Phase != PhaseApplied {
		return nil
	}

	r := o.Record
	_, err = p.db.Exec(ctx, `
		INSERT INTO effectiveness_records (category, measured_improvement, sample_count, weight_sum, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category) DO UPDATE SET
			measured_improvement = EXCLUDED.measured_improvement,
			sample_count = EXCLUDED.sample_count,
			weight_sum = EXCLUDED.weight_sum,
			updated_at = EXCLUDED.updated_at
		WHERE effectiveness_records.sample_count <= EXCLUDED.sample_count
	`, string(r.Category), r.MeasuredImprovement, r.SampleCount, r.WeightSum, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save effectiveness record: %w", err)
	}
	return nil
}
