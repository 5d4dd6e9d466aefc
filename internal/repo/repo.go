package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// UserRepository persists registrants. Find* methods return (nil, nil) when
// nothing matches; Get* methods return a model.ErrNotFound kind.
type UserRepository interface {
	FindByPhoneOrIDCard(ctx context.Context, phone, idCard string) ([]model.User, error)
	FindLatestByPhone(ctx context.Context, phone string) (*model.User, error)
	FindVerifiedByIDCard(ctx context.Context, idCard string, excludeID int64) (*model.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)

	CreatePending(ctx context.Context, phone, idCard, otpHash string, expiresAt time.Time) (int64, error)
	UpdateOTP(ctx context.Context, id int64, otpHash string, expiresAt time.Time) error
	DeleteExpiredIncomplete(ctx context.Context, phone, idCard string, now time.Time) (int64, error)
	DeleteIncomplete(ctx context.Context, id int64) (bool, error)
	DeleteIncompleteByIDCard(ctx context.Context, idCard string, exceptID int64) (int64, error)

	Verify(ctx context.Context, id int64, p model.Profile) error
	VerifyWithManualTable(ctx context.Context, id int64, p model.Profile, t ManualTable) (*model.Table, error)
}

// ManualTable describes a table registered from a user-supplied photo.
type ManualTable struct {
	Code          string
	FileName      string
	FileURL       string
	OCRConfidence float64
	OCRKeywords   []string
}

type TableRepository interface {
	AssignNext(ctx context.Context, userID int64) (*model.Table, error)
	Release(ctx context.Context, tableID int64) error
	GetByUser(ctx context.Context, userID int64) (*model.Table, error)
	FindByCode(ctx context.Context, code string) (*model.Table, error)
	InsertPool(ctx context.Context, tables []model.Table) error
	Stats(ctx context.Context) (model.TableStats, error)
}

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) (int64, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error)
	Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error)
	PauseRunning(ctx context.Context) ([]int64, error)
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context) (model.CampaignStats, error)

	PendingLogs(ctx context.Context, campaignID int64) ([]model.RecipientLog, error)
	MarkLogSent(ctx context.Context, logID int64, at time.Time) error
	MarkLogError(ctx context.Context, logID int64, reason string) error
	CancelPendingLogs(ctx context.Context, campaignID int64) (int64, error)
	Logs(ctx context.Context, campaignID int64, page, limit int) ([]model.RecipientLog, int, error)
	FailedLogs(ctx context.Context, campaignID int64, limit int) ([]model.RecipientLog, error)
	LogCounts(ctx context.Context, campaignID int64) (model.LogCounts, error)
}

type CohortRepository interface {
	Find(ctx context.Context, f cohort.Filter, page, limit int) (model.RecipientPage, error)
	All(ctx context.Context, f cohort.Filter) ([]model.Recipient, error)
	Summary(ctx context.Context, f cohort.Filter) (model.CohortSummary, error)
	Recipient(ctx context.Context, userID int64) (*model.Recipient, error)
}
