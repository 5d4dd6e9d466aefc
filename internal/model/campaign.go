package model

import (
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/cohort"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal statuses never transition again.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogSent      LogStatus = "sent"
	LogError     LogStatus = "error"
	LogCancelled LogStatus = "cancelled"
)

type Campaign struct {
	ID                 int64          `db:"id"`
	Name               string         `db:"name"`
	MessageTemplate    string         `db:"message_template"`
	Filter             cohort.Filter  `db:"filters"`
	TotalRecipients    int            `db:"total_recipients"`
	IntervalMinutes    int            `db:"interval_minutes"`
	MaxMessagesPerHour int            `db:"max_messages_per_hour"`
	Status             CampaignStatus `db:"status"`
	ImageKey           *string        `db:"image_key"`
	ImageFileName      *string        `db:"image_file_name"`
	CreatedBy          string         `db:"created_by"`
	CreatedAt          time.Time      `db:"created_at"`
	StartedAt          *time.Time     `db:"started_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
}

// RecipientLog is one row of a campaign's frozen recipient list.
type RecipientLog struct {
	ID           int64      `db:"id"`
	CampaignID   int64      `db:"campaign_id"`
	UserID       int64      `db:"user_id"`
	Phone        string     `db:"phone"`
	FirstName    *string    `db:"first_name"`
	LastName     *string    `db:"last_name"`
	Status       LogStatus  `db:"status"`
	ErrorMessage *string    `db:"error_message"`
	SentAt       *time.Time `db:"sent_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// LogCounts aggregates recipient rows of one campaign by status.
type LogCounts struct {
	Pending   int `db:"pending"`
	Sent      int `db:"sent"`
	Error     int `db:"error"`
	Cancelled int `db:"cancelled"`
}

func (c LogCounts) Total() int { return c.Pending + c.Sent + c.Error + c.Cancelled }

// Progress is the snapshot carried by every campaign event.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Success   int `json:"success"`
	Errors    int `json:"errors"`
}

type CampaignSummary struct {
	Campaign
	Counts        LogCounts
	FailedNumbers []RecipientLog
	// Live is the in-flight progress of a running campaign, when known.
	Live *Progress
}

type CampaignStats struct {
	TotalCampaigns     int `db:"total_campaigns"`
	ActiveCampaigns    int `db:"active_campaigns"`
	CompletedCampaigns int `db:"completed_campaigns"`
	TotalMessagesSent  int `db:"total_messages_sent"`
	TotalErrors        int `db:"total_errors"`
}

// Recipient is the denormalized view of a verified user used for cohort
// previews and message personalization.
type Recipient struct {
	UserID         int64     `db:"id"`
	FirstName      *string   `db:"first_name"`
	LastName       *string   `db:"last_name"`
	Phone          string    `db:"phone"`
	IDCard         string    `db:"id_card"`
	ProvinceID     *int64    `db:"province_id"`
	CantonID       *int64    `db:"canton_id"`
	NeighborhoodID *int64    `db:"neighborhood_id"`
	Province       *string   `db:"province"`
	Canton         *string   `db:"canton"`
	Neighborhood   *string   `db:"neighborhood"`
	TableCode      *string   `db:"table_code"`
	TableDelivered *bool     `db:"table_delivered"`
	OCRValidated   *bool     `db:"ocr_validated"`
	CreatedAt      time.Time `db:"created_at"`
}

type RecipientPage struct {
	Items      []Recipient
	Page       int
	Limit      int
	TotalCount int
}

type ProvinceCount struct {
	Province string `db:"province"`
	Count    int    `db:"count"`
}

type CohortSummary struct {
	TotalCount   int
	WithTable    int
	WithoutTable int
	ByProvince   []ProvinceCount
}
