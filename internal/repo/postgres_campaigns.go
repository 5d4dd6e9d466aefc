package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

const campaignColumns = `id, name, message_template, filters, total_recipients, interval_minutes,
	max_messages_per_hour, status, image_key, image_file_name, created_by, created_at, started_at, completed_at`

const logColumns = `id, campaign_id, user_id, phone, first_name, last_name, status, error_message, sent_at, created_at`

// logInsertChunk keeps a single multi-row insert well under the Postgres
// bind parameter limit.
const logInsertChunk = 1000

type PostgresCampaignRepo struct {
	db *sqlx.DB
}

func NewPostgresCampaignRepo(db *sqlx.DB) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{db: db}
}

// Create persists the campaign and one pending log row per recipient in a
// single transaction, so total_recipients always equals the log count.
func (r *PostgresCampaignRepo) Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO campaigns (name, message_template, filters, total_recipients, interval_minutes,
		                       max_messages_per_hour, status, image_key, image_file_name, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
		RETURNING id
	`, c.Name, c.MessageTemplate, c.Filter, len(recipients), c.IntervalMinutes, c.MaxMessagesPerHour,
		c.ImageKey, c.ImageFileName, c.CreatedBy).Scan(&id)
	if err != nil {
		return 0, err
	}

	logs := make([]model.RecipientLog, 0, len(recipients))
	for _, rc := range recipients {
		logs = append(logs, model.RecipientLog{
			CampaignID: id,
			UserID:     rc.UserID,
			Phone:      rc.Phone,
			FirstName:  rc.FirstName,
			LastName:   rc.LastName,
		})
	}
	for start := 0; start < len(logs); start += logInsertChunk {
		end := min(start+logInsertChunk, len(logs))
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO campaign_recipient_logs (campaign_id, user_id, phone, first_name, last_name)
			VALUES (:campaign_id, :user_id, :phone, :first_name, :last_name)
		`, logs[start:end]); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PostgresCampaignRepo) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("campaign")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns campaigns newest first; an empty status lists all of them.
func (r *PostgresCampaignRepo) List(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	var out []model.Campaign
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id DESC
	`, string(status))
	return out, err
}

// Transition moves the campaign to `to` only if its current status is one
// of `from`. It reports whether this call won the transition.
func (r *PostgresCampaignRepo) Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	froms := make([]string, len(from))
	for i, s := range from {
		froms[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $3,
		    started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('completed', 'cancelled') THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = ANY($2)
	`, id, froms, string(to), at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PauseRunning parks campaigns left running by a previous process.
func (r *PostgresCampaignRepo) PauseRunning(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE campaigns SET status = 'paused'
		WHERE status = 'running'
		RETURNING id
	`)
	return ids, err
}

func (r *PostgresCampaignRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status model.CampaignStatus
	err = tx.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("campaign")
	}
	if err != nil {
		return err
	}
	if status == model.CampaignRunning {
		return model.NewError(model.KindInvalidState, "campaign is running")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipient_logs WHERE campaign_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresCampaignRepo) Stats(ctx context.Context) (model.CampaignStats, error) {
	var s model.CampaignStats
	err := r.db.GetContext(ctx, &s, `
		SELECT
		  (SELECT COUNT(*) FROM campaigns) AS total_campaigns,
		  (SELECT COUNT(*) FROM campaigns WHERE status = 'running') AS active_campaigns,
		  (SELECT COUNT(*) FROM campaigns WHERE status = 'completed') AS completed_campaigns,
		  (SELECT COUNT(*) FROM campaign_recipient_logs WHERE status = 'sent') AS total_messages_sent,
		  (SELECT COUNT(*) FROM campaign_recipient_logs WHERE status = 'error') AS total_errors
	`)
	return s, err
}

func (r *PostgresCampaignRepo) PendingLogs(ctx context.Context, campaignID int64) ([]model.RecipientLog, error) {
	var out []model.RecipientLog
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+logColumns+`
		FROM campaign_recipient_logs
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY id ASC
	`, campaignID)
	return out, err
}

func (r *PostgresCampaignRepo) MarkLogSent(ctx context.Context, logID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipient_logs
		SET status = 'sent', sent_at = $2, error_message = NULL
		WHERE id = $1 AND status = 'pending'
	`, logID, at.UTC())
	return err
}

func (r *PostgresCampaignRepo) MarkLogError(ctx context.Context, logID int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipient_logs
		SET status = 'error', error_message = $2
		WHERE id = $1 AND status = 'pending'
	`, logID, reason)
	return err
}

func (r *PostgresCampaignRepo) CancelPendingLogs(ctx context.Context, campaignID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipient_logs
		SET status = 'cancelled'
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresCampaignRepo) Logs(ctx context.Context, campaignID int64, page, limit int) ([]model.RecipientLog, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM campaign_recipient_logs WHERE campaign_id = $1`, campaignID); err != nil {
		return nil, 0, err
	}

	var out []model.RecipientLog
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+logColumns+`
		FROM campaign_recipient_logs
		WHERE campaign_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, campaignID, limit, (page-1)*limit)
	return out, total, err
}

func (r *PostgresCampaignRepo) FailedLogs(ctx context.Context, campaignID int64, limit int) ([]model.RecipientLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.RecipientLog
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+logColumns+`
		FROM campaign_recipient_logs
		WHERE campaign_id = $1 AND status = 'error'
		ORDER BY id ASC
		LIMIT $2
	`, campaignID, limit)
	return out, err
}

func (r *PostgresCampaignRepo) LogCounts(ctx context.Context, campaignID int64) (model.LogCounts, error) {
	var c model.LogCounts
	err := r.db.GetContext(ctx, &c, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
		       COUNT(*) FILTER (WHERE status = 'sent')      AS sent,
		       COUNT(*) FILTER (WHERE status = 'error')     AS error,
		       COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM campaign_recipient_logs
		WHERE campaign_id = $1
	`, campaignID)
	return c, err
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}
