package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/retention"
)

// RetentionPolicies returns the stored policy table ordered by class. An
// empty result means the table was never seeded.
func (s *Store) RetentionPolicies(ctx context.Context) ([]retention.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT class, years, regulation FROM retention_policies ORDER BY class`)
	if err != nil {
		return nil, fmt.Errorf("query retention policies: %w", err)
	}
	defer rows.Close()

	var out []retention.Policy
	for rows.Next() {
		var (
			p     retention.Policy
			class string
		)
		if err := rows.Scan(&class, &p.Years, &p.Regulation); err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		p.Class = ledger.RetentionClass(class)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveRetentionPolicies upserts every policy in one transaction.
func (s *Store) SaveRetentionPolicies(ctx context.Context, policies []retention.Policy) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range policies {
			_, err := tx.Exec(ctx, `
				INSERT INTO retention_policies (class, years, regulation, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (class) DO UPDATE
				SET years = EXCLUDED.years, regulation = EXCLUDED.regulation, updated_at = NOW()`,
				string(p.Class), p.Years, p.Regulation)
			if err != nil {
				return fmt.Errorf("save retention policy %s: %w", p.Class, err)
			}
		}
		return nil
	})
}

// LoadRetentionPolicies returns the stored table, seeding it with the
// built-in defaults when empty.
func (s *Store) LoadRetentionPolicies(ctx context.Context) (*retention.Policies, error) {
	list, err := s.RetentionPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		list = retention.DefaultPolicyList()
		if err := s.SaveRetentionPolicies(ctx, list); err != nil {
			return nil, err
		}
	}
	return retention.NewPolicies(list)
}
