package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

// SaveDistribution upserts the distribution row and rewrites its legs.
func (s *SQLiteStorage) SaveDistribution(ctx context.Context, d domain.Distribution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveDistribution: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO distributions (id, ts, total, status, dry_run, error)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  status=excluded.status,
		  error=excluded.error`,
		d.ID, toNanos(d.Timestamp), d.Total, string(d.Status), boolToInt(d.DryRun), d.Error,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDistribution: upsert %s: %w", d.ID, err)
	}

	for _, l := range d.Legs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO distribution_legs
			  (distribution_id, destination, address, amount, outcome, confirmation_id, error)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(distribution_id, destination) DO UPDATE SET
			  outcome=excluded.outcome,
			  confirmation_id=excluded.confirmation_id,
			  error=excluded.error`,
			d.ID, string(l.Destination), l.Address, l.Amount, string(l.Outcome), l.ConfirmationID, l.Error,
		)
		if err != nil {
			return fmt.Errorf("storage.SaveDistribution: leg %s: %w", l.Destination, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveDistribution: commit: %w", err)
	}
	return nil
}

// ListDistributions returns distributions with their legs. limit <= 0 returns all.
func (s *SQLiteStorage) ListDistributions(ctx context.Context, order ports.SortOrder, limit int) ([]domain.Distribution, error) {
	dir := "DESC"
	if order == ports.OldestFirst {
		dir = "ASC"
	}
	q := `SELECT id, ts, total, status, dry_run, error FROM distributions ORDER BY ts ` + dir + `, id ` + dir
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryDistributions(ctx, q, args...)
}

// LastExecutedDistribution returns the newest distribution that was not a dry run.
func (s *SQLiteStorage) LastExecutedDistribution(ctx context.Context) (domain.Distribution, bool, error) {
	ds, err := s.queryDistributions(ctx,
		`SELECT id, ts, total, status, dry_run, error FROM distributions
		 WHERE dry_run = 0 ORDER BY ts DESC, id DESC LIMIT 1`)
	if err != nil {
		return domain.Distribution{}, false, err
	}
	if len(ds) == 0 {
		return domain.Distribution{}, false, nil
	}
	return ds[0], true, nil
}

func (s *SQLiteStorage) queryDistributions(ctx context.Context, q string, args ...any) ([]domain.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryDistributions: %w", err)
	}

	var out []domain.Distribution
	for rows.Next() {
		var d domain.Distribution
		var ts int64
		var status string
		var dry int
		if err := rows.Scan(&d.ID, &ts, &d.Total, &status, &dry, &d.Error); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage.queryDistributions: scan: %w", err)
		}
		d.Timestamp = fromNanos(ts)
		d.Status = domain.DistributionStatus(status)
		d.DryRun = dry != 0
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Single connection: release it before querying legs.
	rows.Close()

	for i := range out {
		legs, err := s.legsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Legs = legs
	}
	return out, nil
}

func (s *SQLiteStorage) legsFor(ctx context.Context, id string) ([]domain.DistributionLeg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT destination, address, amount, outcome, confirmation_id, error
		FROM distribution_legs WHERE distribution_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("storage.legsFor %s: %w", id, err)
	}
	defer rows.Close()

	byRole := make(map[domain.Role]domain.DistributionLeg)
	for rows.Next() {
		var l domain.DistributionLeg
		var dest, outcome string
		if err := rows.Scan(&dest, &l.Address, &l.Amount, &outcome, &l.ConfirmationID, &l.Error); err != nil {
			return nil, fmt.Errorf("storage.legsFor %s: scan: %w", id, err)
		}
		l.Destination = domain.Role(dest)
		l.Outcome = domain.TransferOutcome(outcome)
		byRole[l.Destination] = l
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Keep payout order stable regardless of primary key order.
	legs := make([]domain.DistributionLeg, 0, len(byRole))
	for _, r := range domain.DestinationRoles {
		if l, ok := byRole[r]; ok {
			legs = append(legs, l)
		}
	}
	return legs, nil
}
