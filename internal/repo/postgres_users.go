package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

const userColumns = `id, phone, id_card, first_name, last_name, phone_verified, otp_hash, otp_expires_at,
	assigned_table_id, province_id, canton_id, neighborhood_id, address_detail, latitude, longitude,
	created_at, updated_at`

type PostgresUserRepo struct {
	db *sqlx.DB
}

func NewPostgresUserRepo(db *sqlx.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func (r *PostgresUserRepo) FindByPhoneOrIDCard(ctx context.Context, phone, idCard string) ([]model.User, error) {
	var users []model.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT `+userColumns+`
		FROM users
		WHERE phone = $1 OR id_card = $2
		ORDER BY id ASC
	`, phone, idCard)
	return users, err
}

// FindLatestByPhone prefers the verified row for a phone, falling back to
// the newest in-progress one.
func (r *PostgresUserRepo) FindLatestByPhone(ctx context.Context, phone string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT `+userColumns+`
		FROM users
		WHERE phone = $1
		ORDER BY phone_verified DESC, id DESC
		LIMIT 1
	`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepo) FindVerifiedByIDCard(ctx context.Context, idCard string, excludeID int64) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT `+userColumns+`
		FROM users
		WHERE id_card = $1 AND phone_verified AND id <> $2
		LIMIT 1
	`, idCard, excludeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByIdentifier matches an id card or a phone, preferring a completed
// registration over an in-flight one.
func (r *PostgresUserRepo) FindByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT `+userColumns+`
		FROM users
		WHERE id_card = $1 OR phone = $1
		ORDER BY phone_verified DESC, id DESC
		LIMIT 1
	`, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepo) CreatePending(ctx context.Context, phone, idCard, otpHash string, expiresAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO users (phone, id_card, otp_hash, otp_expires_at, phone_verified)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id
	`, phone, idCard, otpHash, expiresAt.UTC()).Scan(&id)
	return id, err
}

func (r *PostgresUserRepo) UpdateOTP(ctx context.Context, id int64, otpHash string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET otp_hash = $2, otp_expires_at = $3, updated_at = now()
		WHERE id = $1 AND NOT phone_verified
	`, id, otpHash, expiresAt.UTC())
	if err != nil {
		return err
	}
	return expectOne(res, "update otp")
}

func (r *PostgresUserRepo) DeleteExpiredIncomplete(ctx context.Context, phone, idCard string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM users
		WHERE (phone = $1 OR id_card = $2)
		  AND NOT phone_verified
		  AND (first_name IS NULL OR last_name IS NULL)
		  AND (otp_expires_at IS NULL OR otp_expires_at < $3)
	`, phone, idCard, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteIncomplete never touches a verified row.
func (r *PostgresUserRepo) DeleteIncomplete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1 AND NOT phone_verified`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresUserRepo) DeleteIncompleteByIDCard(ctx context.Context, idCard string, exceptID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM users
		WHERE id_card = $1 AND id <> $2 AND NOT phone_verified
	`, idCard, exceptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresUserRepo) Verify(ctx context.Context, id int64, p model.Profile) error {
	res, err := r.db.ExecContext(ctx, verifySQL, profileArgs(id, p)...)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return model.NewError(model.KindAlreadyRegistered, "registration is no longer pending")
	}
	return nil
}

// VerifyWithManualTable writes the profile and creates (or refreshes) the
// user's manually registered table in one transaction.
func (r *PostgresUserRepo) VerifyWithManualTable(ctx context.Context, id int64, p model.Profile, mt ManualTable) (*model.Table, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	if err := tx.GetContext(ctx, &current, `SELECT assigned_table_id FROM users WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user")
		}
		return nil, err
	}

	keywords := strings.Join(mt.OCRKeywords, ",")
	var t model.Table
	if current.Valid {
		err = tx.GetContext(ctx, &t, `
			UPDATE bingo_tables
			SET code = $2, file_name = $3, file_url = $4, delivered = TRUE, manual_registration = TRUE,
			    ocr_validated = TRUE, ocr_confidence = $5, ocr_keywords = $6
			WHERE id = $1
			RETURNING `+tableColumns,
			current.Int64, mt.Code, mt.FileName, mt.FileURL, mt.OCRConfidence, keywords)
	} else {
		err = tx.GetContext(ctx, &t, `
			INSERT INTO bingo_tables (code, file_name, file_url, delivered, manual_registration,
			                          ocr_validated, ocr_confidence, ocr_keywords)
			VALUES ($1, $2, $3, TRUE, TRUE, TRUE, $4, $5)
			RETURNING `+tableColumns,
			mt.Code, mt.FileName, mt.FileURL, mt.OCRConfidence, keywords)
	}
	if err != nil {
		return nil, mapUniqueViolation(err)
	}

	res, err := tx.ExecContext(ctx, verifySQL, profileArgs(id, p)...)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, model.NewError(model.KindAlreadyRegistered, "registration is no longer pending")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET assigned_table_id = $2 WHERE id = $1`, id, t.ID); err != nil {
		return nil, mapUniqueViolation(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

const verifySQL = `
	UPDATE users
	SET first_name = $2, last_name = $3, province_id = $4, canton_id = $5, neighborhood_id = $6,
	    address_detail = $7, latitude = $8, longitude = $9,
	    phone_verified = TRUE, otp_hash = NULL, otp_expires_at = NULL, updated_at = now()
	WHERE id = $1 AND NOT phone_verified
`

func profileArgs(id int64, p model.Profile) []any {
	return []any{id, p.FirstName, p.LastName, p.ProvinceID, p.CantonID, p.NeighborhoodID,
		p.AddressDetail, p.Latitude, p.Longitude}
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return model.NewError(model.KindTransaction, fmt.Sprintf("%s: affected %d rows", op, n))
	}
	return nil
}
