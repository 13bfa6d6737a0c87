package boardstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/collab-board/internal/shape"
)

// shapeRow is the table layout. Timestamps are logical milliseconds chosen
// by the writing client, so they are plain integers rather than gorm's
// auto-managed CreatedAt/UpdatedAt.
type shapeRow struct {
	BoardID     string         `gorm:"primaryKey;size:64"`
	ID          string         `gorm:"primaryKey;size:64"`
	Type        string         `gorm:"size:16;not null"`
	Props       datatypes.JSON `gorm:"not null"`
	CreatedBy   string         `gorm:"size:64"`
	CreatedAtMS int64          `gorm:"column:created_at"`
	UpdatedBy   string         `gorm:"size:64"`
	UpdatedAtMS int64          `gorm:"column:updated_at"`
	Deleted     bool           `gorm:"not null;default:false;index"`
}

func (shapeRow) TableName() string {
	return "board_shapes"
}

// Gorm persists boards through GORM. The change stream is served from an
// in-process feed, so every writer must go through the same Gorm value.
type Gorm struct {
	db   *gorm.DB
	feed *Feed
}

// Open connects to dsn and migrates the schema. A "sqlite://" prefix selects
// a SQLite file; anything else is handed to Postgres.
func Open(dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialector.Name(), err)
	}
	return NewGorm(db)
}

// NewGorm wraps an open connection and migrates the schema.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&shapeRow{}); err != nil {
		return nil, fmt.Errorf("migrate board_shapes: %w", err)
	}
	return &Gorm{db: db, feed: NewFeed()}, nil
}

func (g *Gorm) Create(ctx context.Context, boardID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Deleted = false
	row, err := toRow(boardID, rec)
	if err != nil {
		return err
	}
	if err := g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("create shape %s: %w", rec.ID, err)
	}
	g.feed.Publish(boardID, Change{Type: ChangeAdded, Record: rec})
	return nil
}

func (g *Gorm) CreateBatch(ctx context.Context, boardID string, recs []Record) error {
	if err := validateBatch(recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	rows := make([]shapeRow, 0, len(recs))
	for i := range recs {
		recs[i].Deleted = false
		row, err := toRow(boardID, recs[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, 100).Error
	})
	if err != nil {
		return fmt.Errorf("create batch of %d: %w", len(recs), err)
	}

	for _, rec := range recs {
		g.feed.Publish(boardID, Change{Type: ChangeAdded, Record: rec})
	}
	return nil
}

func (g *Gorm) Update(ctx context.Context, boardID, id string, patch shape.Patch, updatedBy string, updatedAt int64) error {
	var rec Record
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findLive(tx, boardID, id)
		if err != nil {
			return err
		}
		cur, err := fromRow(row)
		if err != nil {
			return err
		}
		cur.Props = cur.Props.Apply(patch)
		cur.UpdatedBy = updatedBy
		cur.UpdatedAt = updatedAt

		next, err := toRow(boardID, cur)
		if err != nil {
			return err
		}
		rec = cur
		return tx.Model(&shapeRow{}).
			Where("board_id = ? AND id = ?", boardID, id).
			Updates(map[string]any{
				"props":      next.Props,
				"updated_by": updatedBy,
				"updated_at": updatedAt,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("update shape %s: %w", id, err)
	}
	g.feed.Publish(boardID, Change{Type: ChangeModified, Record: rec})
	return nil
}

func (g *Gorm) Delete(ctx context.Context, boardID, id string, deletedBy string, deletedAt int64) error {
	var rec Record
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findLive(tx, boardID, id)
		if err != nil {
			return err
		}
		if rec, err = fromRow(row); err != nil {
			return err
		}
		rec.Deleted = true
		rec.UpdatedBy = deletedBy
		rec.UpdatedAt = deletedAt
		return tx.Model(&shapeRow{}).
			Where("board_id = ? AND id = ?", boardID, id).
			Updates(map[string]any{
				"deleted":    true,
				"updated_by": deletedBy,
				"updated_at": deletedAt,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("delete shape %s: %w", id, err)
	}
	g.feed.Publish(boardID, Change{Type: ChangeRemoved, Record: rec})
	return nil
}

func (g *Gorm) List(ctx context.Context, boardID string) ([]Record, error) {
	var rows []shapeRow
	err := g.db.WithContext(ctx).
		Where("board_id = ? AND deleted = ?", boardID, false).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list board %s: %w", boardID, err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (g *Gorm) Subscribe(ctx context.Context, boardID string) (<-chan Change, func(), error) {
	return g.feed.Subscribe(ctx, boardID)
}

func (g *Gorm) Close() error {
	g.feed.Close()
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func findLive(tx *gorm.DB, boardID, id string) (shapeRow, error) {
	var row shapeRow
	err := tx.Where("board_id = ? AND id = ? AND deleted = ?", boardID, id, false).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	return row, err
}

func toRow(boardID string, rec Record) (shapeRow, error) {
	props, err := json.Marshal(rec.Props)
	if err != nil {
		return shapeRow{}, fmt.Errorf("encode props of %s: %w", rec.ID, err)
	}
	return shapeRow{
		BoardID:     boardID,
		ID:          rec.ID,
		Type:        string(rec.Type),
		Props:       datatypes.JSON(props),
		CreatedBy:   rec.CreatedBy,
		CreatedAtMS: rec.CreatedAt,
		UpdatedBy:   rec.UpdatedBy,
		UpdatedAtMS: rec.UpdatedAt,
		Deleted:     rec.Deleted,
	}, nil
}

func fromRow(row shapeRow) (Record, error) {
	var props shape.Props
	if err := json.Unmarshal(row.Props, &props); err != nil {
		return Record{}, fmt.Errorf("decode props of %s: %w", row.ID, err)
	}
	return Record{
		Shape: shape.Shape{
			ID:        row.ID,
			Type:      shape.Type(row.Type),
			Props:     props,
			CreatedBy: row.CreatedBy,
			CreatedAt: row.CreatedAtMS,
			UpdatedBy: row.UpdatedBy,
			UpdatedAt: row.UpdatedAtMS,
		},
		Deleted: row.Deleted,
	}, nil
}
