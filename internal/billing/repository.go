package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository encapsulates persistence for summaries and details. Mutations
// happen inside WithTx so a summary and its details commit or roll back as
// one unit.
type Repository interface {
	GetSummary(ctx context.Context, id int64) (Summary, error)
	SnapshotSummary(ctx context.Context, id int64) (Summary, error)
	FindSummary(ctx context.Context, account int64, period string) (Summary, error)
	GetDetail(ctx context.Context, id int64) (Detail, error)
	ListDetails(ctx context.Context) ([]Detail, error)
	ListSummaryIDs(ctx context.Context) ([]int64, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations available within one transaction.
type TxRepository interface {
	GetSummaryForUpdate(ctx context.Context, id int64) (Summary, error)
	FindOrCreateSummaryForUpdate(ctx context.Context, account int64, period string) (Summary, error)
	GetDetailForUpdate(ctx context.Context, id int64) (Detail, error)
	InsertDetail(ctx context.Context, d Detail) (Detail, error)
	UpdateDetailOwner(ctx context.Context, detailID int64, summaryID *int64) error
	ListAttached(ctx context.Context, summaryID int64) ([]Detail, error)
	UpdateTotals(ctx context.Context, summaryID int64, totals Totals) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const summaryColumns = `id, account, period, equipment_total, service_total, company_total, created_at, updated_at`

const detailColumns = `id, rcc_id, collaborator_id, phone_line, value_services, value_devices, fee, total_fee, description, paid_by, subsidy, grp, ci_collaborator, created_at, updated_at`

func scanSummary(row pgx.Row) (Summary, error) {
	var s Summary
	err := row.Scan(&s.ID, &s.Account, &s.Period, &s.EquipmentTotal, &s.ServiceTotal, &s.CompanyTotal, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func scanDetail(row pgx.Row) (Detail, error) {
	var d Detail
	err := row.Scan(&d.ID, &d.SummaryID, &d.CollaboratorID, &d.PhoneLine, &d.ValueServices, &d.ValueDevices, &d.Fee, &d.TotalFee, &d.Description, &d.PaidBy, &d.Subsidy, &d.Group, &d.CICollaborator, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func collectDetails(rows pgx.Rows) ([]Detail, error) {
	defer rows.Close()
	var details []Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (r *repository) GetSummary(ctx context.Context, id int64) (Summary, error) {
	s, err := scanSummary(r.db.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSummaryNotFound
		}
		return Summary{}, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE rcc_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Summary{}, err
	}
	s.Details, err = collectDetails(rows)
	return s, err
}

// SnapshotSummary loads the summary row and its attached details inside one
// repeatable-read transaction, so the pair reflects a single instant. The
// consistency audit reads through here, never via two pool queries.
func (r *repository) SnapshotSummary(ctx context.Context, id int64) (Summary, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Summary{}, fmt.Errorf("billing: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSummary(tx.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSummaryNotFound
		}
		return Summary{}, err
	}
	rows, err := tx.Query(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE rcc_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Summary{}, err
	}
	s.Details, err = collectDetails(rows)
	if err != nil {
		return Summary{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Summary{}, fmt.Errorf("billing: commit snapshot tx: %w", err)
	}
	return s, nil
}

func (r *repository) FindSummary(ctx context.Context, account int64, period string) (Summary, error) {
	s, err := scanSummary(r.db.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE account=$1 AND period=$2`, account, period))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSummaryNotFound
		}
		return Summary{}, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE rcc_id=$1 ORDER BY id ASC`, s.ID)
	if err != nil {
		return Summary{}, err
	}
	s.Details, err = collectDetails(rows)
	return s, err
}

func (r *repository) GetDetail(ctx context.Context, id int64) (Detail, error) {
	d, err := scanDetail(r.db.QueryRow(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrDetailNotFound
		}
		return Detail{}, err
	}
	return d, nil
}

func (r *repository) ListDetails(ctx context.Context) ([]Detail, error) {
	rows, err := r.db.Query(ctx, `SELECT `+detailColumns+` FROM rcc_details ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (r *repository) ListSummaryIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM rcc_summaries ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("billing: begin tx: %w", err)
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("billing: commit tx: %w", err)
	}
	return nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetSummaryForUpdate(ctx context.Context, id int64) (Summary, error) {
	s, err := scanSummary(r.tx.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSummaryNotFound
		}
		return Summary{}, err
	}
	return s, nil
}

// FindOrCreateSummaryForUpdate implements lazy summary creation. A unique
// constraint on (account, period) guards against two transactions creating
// the same summary; the loser re-selects the winner's row.
func (r *txRepository) FindOrCreateSummaryForUpdate(ctx context.Context, account int64, period string) (Summary, error) {
	s, err := scanSummary(r.tx.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE account=$1 AND period=$2 FOR UPDATE`, account, period))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, err
	}
	s, err = scanSummary(r.tx.QueryRow(ctx, `INSERT INTO rcc_summaries (account, period) VALUES ($1, $2) RETURNING `+summaryColumns, account, period))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_rcc_summaries_account_period" {
			return scanSummary(r.tx.QueryRow(ctx, `SELECT `+summaryColumns+` FROM rcc_summaries WHERE account=$1 AND period=$2 FOR UPDATE`, account, period))
		}
		return Summary{}, err
	}
	return s, nil
}

func (r *txRepository) GetDetailForUpdate(ctx context.Context, id int64) (Detail, error) {
	d, err := scanDetail(r.tx.QueryRow(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrDetailNotFound
		}
		return Detail{}, err
	}
	return d, nil
}

func (r *txRepository) InsertDetail(ctx context.Context, d Detail) (Detail, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO rcc_details (rcc_id, collaborator_id, phone_line, value_services, value_devices, fee, total_fee, description, paid_by, subsidy, grp, ci_collaborator)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id, created_at, updated_at`,
		d.SummaryID, d.CollaboratorID, d.PhoneLine, d.ValueServices, d.ValueDevices, d.Fee, d.TotalFee, d.Description, d.PaidBy, d.Subsidy, d.Group, d.CICollaborator)
	if err := row.Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Detail{}, err
	}
	return d, nil
}

func (r *txRepository) UpdateDetailOwner(ctx context.Context, detailID int64, summaryID *int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE rcc_details SET rcc_id=$2, updated_at=NOW() WHERE id=$1`, detailID, summaryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDetailNotFound
	}
	return nil
}

func (r *txRepository) ListAttached(ctx context.Context, summaryID int64) ([]Detail, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+detailColumns+` FROM rcc_details WHERE rcc_id=$1 ORDER BY id ASC`, summaryID)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (r *txRepository) UpdateTotals(ctx context.Context, summaryID int64, totals Totals) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE rcc_summaries SET equipment_total=$2, service_total=$3, company_total=$4, updated_at=NOW() WHERE id=$1`,
		summaryID, totals.Equipment, totals.Service, totals.Company)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSummaryNotFound
	}
	return nil
}
