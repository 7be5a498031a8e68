package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/vfsbox/internal/history"
)

// HistoryRepository implements history.Store with GORM.
// Append-only: no Update or Delete methods exist on this type.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a HistoryRepository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts a single command record.
func (r *HistoryRepository) Append(ctx context.Context, rec *history.Record) error {
	model := toCommandModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending command record: %w", err)
	}
	return nil
}

// Recent returns command records newest first. Limit defaults to 100.
func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []CommandModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}

	records := make([]history.Record, len(models))
	for i := range models {
		records[i] = toCommandDomain(&models[i])
	}
	return records, nil
}

func toCommandModel(rec *history.Record) CommandModel {
	return CommandModel{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Command:    rec.Command,
		Cwd:        rec.Cwd,
		Background: rec.Background,
		ReturnCode: rec.ReturnCode,
		PID:        rec.PID,
		Success:    rec.Success,
		Message:    rec.Message,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		DurationMS: rec.Duration.Milliseconds(),
		Added:      rec.Added,
		Modified:   rec.Modified,
		Deleted:    rec.Deleted,
		RolledBack: rec.RolledBack,
		CreatedAt:  rec.CreatedAt,
	}
}

func toCommandDomain(m *CommandModel) history.Record {
	return history.Record{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Command:    m.Command,
		Cwd:        m.Cwd,
		Background: m.Background,
		ReturnCode: m.ReturnCode,
		PID:        m.PID,
		Success:    m.Success,
		Message:    m.Message,
		Stdout:     m.Stdout,
		Stderr:     m.Stderr,
		Duration:   time.Duration(m.DurationMS) * time.Millisecond,
		Added:      m.Added,
		Modified:   m.Modified,
		Deleted:    m.Deleted,
		RolledBack: m.RolledBack,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

var _ history.Store = (*HistoryRepository)(nil)
