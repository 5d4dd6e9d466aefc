// Package inventory hands out bingo tables from the pre-seeded pool.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/metrics"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
)

type Manager struct {
	tables  repo.TableRepository
	metrics *metrics.Manager
	log     *zap.Logger
}

func NewManager(tables repo.TableRepository, m *metrics.Manager, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{tables: tables, metrics: m, log: log}
}

// AssignTable gives userID the lowest free table. Concurrent callers never
// receive the same table; an empty pool yields model.ErrNoInventory.
func (m *Manager) AssignTable(ctx context.Context, userID int64) (*model.Table, error) {
	t, err := m.tables.AssignNext(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNoInventory) {
			if m.metrics != nil {
				m.metrics.TablesExhausted.Inc()
			}
			m.log.Warn("table pool exhausted", zap.Int64("user_id", userID))
			return nil, err
		}
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.TablesAssigned.Inc()
	}
	m.log.Info("table assigned",
		zap.Int64("user_id", userID),
		zap.Int64("table_id", t.ID),
		zap.String("code", t.Code))
	return t, nil
}

// ReleaseTable detaches the table from its owner and returns it to the pool.
func (m *Manager) ReleaseTable(ctx context.Context, tableID int64) error {
	if err := m.tables.Release(ctx, tableID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.TablesReleased.Inc()
	}
	m.log.Info("table released", zap.Int64("table_id", tableID))
	return nil
}

// GetUserTable returns nil when the user holds no table.
func (m *Manager) GetUserTable(ctx context.Context, userID int64) (*model.Table, error) {
	return m.tables.GetByUser(ctx, userID)
}

func (m *Manager) Stats(ctx context.Context) (model.TableStats, error) {
	return m.tables.Stats(ctx)
}

// SeedPool inserts count consecutive ranges of width cards starting at
// first, e.g. first=1 width=10 gives 00001_00010, 00011_00020, ...
func (m *Manager) SeedPool(ctx context.Context, first, width, count int) ([]model.Table, error) {
	if first < 1 || width < 1 || count < 1 {
		return nil, model.NewError(model.KindValidation,
			fmt.Sprintf("invalid pool layout first=%d width=%d count=%d", first, width, count))
	}

	tables := make([]model.Table, 0, count)
	for i := 0; i < count; i++ {
		start := first + i*width
		code := model.TableCode(start, start+width-1)
		tables = append(tables, model.Table{
			Code:     code,
			FileName: ArtifactFileName(code),
		})
	}

	if err := m.tables.InsertPool(ctx, tables); err != nil {
		return nil, err
	}
	m.log.Info("table pool seeded",
		zap.String("first", tables[0].Code),
		zap.String("last", tables[len(tables)-1].Code),
		zap.Int("count", count))
	return tables, nil
}

func ArtifactFileName(code string) string {
	return "BINGO_AMIGO_TABLA_" + code + ".pdf"
}
