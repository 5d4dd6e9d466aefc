package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

const tableColumns = `id, code, file_name, file_url, delivered, manual_registration, ocr_validated,
	ocr_confidence, ocr_keywords, created_at`

type PostgresTableRepo struct {
	db *sqlx.DB
}

func NewPostgresTableRepo(db *sqlx.DB) *PostgresTableRepo {
	return &PostgresTableRepo{db: db}
}

// AssignNext claims the lowest-id undelivered table for userID. Rows locked
// by concurrent claims are skipped, so two callers never receive the same
// table.
func (r *PostgresTableRepo) AssignNext(ctx context.Context, userID int64) (*model.Table, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var t model.Table
	err = tx.GetContext(ctx, &t, `
		SELECT `+tableColumns+`
		FROM bingo_tables
		WHERE NOT delivered
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNoInventory
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE bingo_tables SET delivered = TRUE WHERE id = $1 AND NOT delivered`, t.ID)
	if err != nil {
		return nil, err
	}
	if err := expectOne(res, "mark table delivered"); err != nil {
		return nil, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE users
		SET assigned_table_id = $1, updated_at = now()
		WHERE id = $2 AND assigned_table_id IS NULL
	`, t.ID, userID)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	if err := expectOne(res, "attach table to user"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.Delivered = true
	return &t, nil
}

// Release detaches the table from its holder and returns it to the pool.
func (r *PostgresTableRepo) Release(ctx context.Context, tableID int64) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET assigned_table_id = NULL, updated_at = now()
		WHERE assigned_table_id = $1
	`, tableID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE bingo_tables SET delivered = FALSE WHERE id = $1`, tableID)
	if err != nil {
		return err
	}
	if err := expectOne(res, "release table"); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresTableRepo) GetByUser(ctx context.Context, userID int64) (*model.Table, error) {
	var t model.Table
	err := r.db.GetContext(ctx, &t, `
		SELECT t.id, t.code, t.file_name, t.file_url, t.delivered, t.manual_registration, t.ocr_validated,
		       t.ocr_confidence, t.ocr_keywords, t.created_at
		FROM users u
		JOIN bingo_tables t ON t.id = u.assigned_table_id
		WHERE u.id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresTableRepo) FindByCode(ctx context.Context, code string) (*model.Table, error) {
	var t model.Table
	err := r.db.GetContext(ctx, &t, `SELECT `+tableColumns+` FROM bingo_tables WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertPool seeds undelivered tables.
func (r *PostgresTableRepo) InsertPool(ctx context.Context, tables []model.Table) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO bingo_tables (code, file_name, file_url, delivered)
		VALUES (:code, :file_name, :file_url, FALSE)
	`, tables)
	return mapUniqueViolation(err)
}

func (r *PostgresTableRepo) Stats(ctx context.Context) (model.TableStats, error) {
	var s model.TableStats
	err := r.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE delivered) AS delivered,
		       COUNT(*) FILTER (WHERE NOT delivered) AS available
		FROM bingo_tables
	`)
	return s, err
}
