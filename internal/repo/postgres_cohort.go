package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/model"
)

const recipientSelect = `
	SELECT u.id, u.first_name, u.last_name, u.phone, u.id_card,
	       u.province_id, u.canton_id, u.neighborhood_id,
	       p.name AS province, c.name AS canton, n.name AS neighborhood,
	       t.code AS table_code, t.delivered AS table_delivered, t.ocr_validated,
	       u.created_at
	FROM users u
	LEFT JOIN provinces p ON p.id = u.province_id
	LEFT JOIN cantons c ON c.id = u.canton_id
	LEFT JOIN neighborhoods n ON n.id = u.neighborhood_id
	LEFT JOIN bingo_tables t ON t.id = u.assigned_table_id
`

// Newest registrations first; id breaks ties so pages are stable.
const recipientOrder = ` ORDER BY u.created_at DESC, u.id DESC`

type PostgresCohortRepo struct {
	db *sqlx.DB
}

func NewPostgresCohortRepo(db *sqlx.DB) *PostgresCohortRepo {
	return &PostgresCohortRepo{db: db}
}

func (r *PostgresCohortRepo) Find(ctx context.Context, f cohort.Filter, page, limit int) (model.RecipientPage, error) {
	page, limit = normalizePage(page, limit)
	where, args := cohort.Build(f)

	out := model.RecipientPage{Page: page, Limit: limit}
	if err := r.db.GetContext(ctx, &out.TotalCount, `SELECT COUNT(*) FROM users u WHERE `+where, args...); err != nil {
		return out, err
	}

	n := len(args)
	args = append(args, limit, (page-1)*limit)
	query := recipientSelect + ` WHERE ` + where + recipientOrder +
		` LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	if err := r.db.SelectContext(ctx, &out.Items, query, args...); err != nil {
		return out, err
	}
	return out, nil
}

func (r *PostgresCohortRepo) All(ctx context.Context, f cohort.Filter) ([]model.Recipient, error) {
	where, args := cohort.Build(f)
	var out []model.Recipient
	err := r.db.SelectContext(ctx, &out, recipientSelect+` WHERE `+where+recipientOrder, args...)
	return out, err
}

func (r *PostgresCohortRepo) Summary(ctx context.Context, f cohort.Filter) (model.CohortSummary, error) {
	where, args := cohort.Build(f)

	var counts struct {
		Total     int `db:"total"`
		WithTable int `db:"with_table"`
	}
	if err := r.db.GetContext(ctx, &counts, `
		SELECT COUNT(*) AS total, COUNT(u.assigned_table_id) AS with_table
		FROM users u
		WHERE `+where, args...); err != nil {
		return model.CohortSummary{}, err
	}

	var byProvince []model.ProvinceCount
	if err := r.db.SelectContext(ctx, &byProvince, `
		SELECT COALESCE(p.name, '') AS province, COUNT(*) AS count
		FROM users u
		LEFT JOIN provinces p ON p.id = u.province_id
		WHERE `+where+`
		GROUP BY p.name
		ORDER BY count DESC, province ASC`, args...); err != nil {
		return model.CohortSummary{}, err
	}

	return model.CohortSummary{
		TotalCount:   counts.Total,
		WithTable:    counts.WithTable,
		WithoutTable: counts.Total - counts.WithTable,
		ByProvince:   byProvince,
	}, nil
}

func (r *PostgresCohortRepo) Recipient(ctx context.Context, userID int64) (*model.Recipient, error) {
	var rc model.Recipient
	err := r.db.GetContext(ctx, &rc, recipientSelect+` WHERE u.id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("recipient")
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}
