package cache

import (
	"context"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

type ProgressCache interface {
	StoreProgress(ctx context.Context, campaignID int64, p model.Progress) error
	LoadProgress(ctx context.Context, campaignID int64) (model.Progress, bool, error)
	DropProgress(ctx context.Context, campaignID int64) error
}
