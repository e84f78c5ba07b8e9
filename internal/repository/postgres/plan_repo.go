// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/plan"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type PlanRepository struct {
	db *pgxpool.Pool
}

func NewPlanRepository(db *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, code, name, price, currency, billing_interval, instance_quota, features, active, created_at`

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	var p plan.Plan
	var featuresJSON []byte

	err := row.Scan(
		&p.ID, &p.Code, &p.Name, &p.Price, &p.Currency,
		&p.Interval, &p.InstanceQuota, &featuresJSON, &p.Active, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}

	if len(featuresJSON) > 0 {
		_ = json.Unmarshal(featuresJSON, &p.Features)
	}
	return &p, nil
}

// Create inserts a new plan row. Plans are immutable once referenced; price
// changes go through a new row that supersedes the old one.
func (r *PlanRepository) Create(ctx context.Context, p *plan.Plan) error {
	query := `
		INSERT INTO plans (code, name, price, currency, billing_interval, instance_quota, features, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	var featuresJSON []byte
	var err error
	if p.Features != nil {
		featuresJSON, err = json.Marshal(p.Features)
		if err != nil {
			return fmt.Errorf("failed to marshal features: %w", err)
		}
	}

	err = r.db.QueryRow(
		ctx, query,
		p.Code, p.Name, p.Price, p.Currency, p.Interval, p.InstanceQuota, featuresJSON, p.Active,
	).Scan(&p.ID, &p.CreatedAt)

	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func (r *PlanRepository) FindByID(ctx context.Context, id int64) (*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	return scanPlan(r.db.QueryRow(ctx, query, id))
}

func (r *PlanRepository) FindByCode(ctx context.Context, code string) (*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE code = $1 AND active = TRUE`
	return scanPlan(r.db.QueryRow(ctx, query, code))
}

func (r *PlanRepository) ListActive(ctx context.Context) ([]*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE active = TRUE ORDER BY price`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Deactivate retires a plan from new checkouts. Existing subscriptions keep
// referencing it.
func (r *PlanRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE plans SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
