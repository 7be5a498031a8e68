package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/vfsbox/internal/vfs"
)

// SnapshotRepository implements vfs.SnapshotStore with GORM.
// Saving under an existing name replaces that snapshot.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, name string, fs *vfs.FileSystem) error {
	if name == "" {
		return errors.New("snapshot name is required")
	}
	data, err := fs.Encode()
	if err != nil {
		return err
	}
	m := SnapshotModel{
		ID:            uuid.New(),
		Name:          name,
		WorkspaceRoot: fs.WorkspaceRoot,
		EntryCount:    len(fs.Entries),
		State:         string(data),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"workspace_root", "entry_count", "state", "updated_at"}),
		}).
		Create(&m).Error; err != nil {
		return fmt.Errorf("saving snapshot %q: %w", name, err)
	}
	return nil
}

func (r *SnapshotRepository) LoadSnapshot(ctx context.Context, name string) (*vfs.FileSystem, error) {
	var m SnapshotModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", vfs.ErrSnapshotNotFound, name)
		}
		return nil, fmt.Errorf("loading snapshot %q: %w", name, err)
	}
	return vfs.Decode([]byte(m.State))
}

// ListSnapshots returns snapshot descriptions, most recently updated first.
func (r *SnapshotRepository) ListSnapshots(ctx context.Context) ([]vfs.SnapshotInfo, error) {
	var models []SnapshotModel
	if err := r.db.WithContext(ctx).
		Select("name", "workspace_root", "entry_count", "created_at", "updated_at").
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	out := make([]vfs.SnapshotInfo, len(models))
	for i, m := range models {
		out[i] = vfs.SnapshotInfo{
			Name:       m.Name,
			Root:       m.WorkspaceRoot,
			EntryCount: m.EntryCount,
			CreatedAt:  m.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}
	return out, nil
}

var _ vfs.SnapshotStore = (*SnapshotRepository)(nil)
