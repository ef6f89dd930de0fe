package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parcelize/shardpack/internal/source"
)

// recordModel is the gorm mapping of FetchRecord.
type recordModel struct {
	Path          string    `gorm:"primaryKey;column:path"`
	Source        string    `gorm:"column:source;index"`
	Backend       string    `gorm:"column:backend"`
	RemoteID      string    `gorm:"column:remote_id"`
	Seq           uint64    `gorm:"column:seq;index"`
	Compressed    bool      `gorm:"column:compressed"`
	DiscoveredAt  time.Time `gorm:"column:discovered_at"`
	Status        string    `gorm:"column:status;index"`
	AttemptCount  int       `gorm:"column:attempt_count"`
	ContentHash   string    `gorm:"column:content_hash;index"`
	ByteSize      int64     `gorm:"column:byte_size"`
	Oversized     bool      `gorm:"column:oversized"`
	CanonicalPath string    `gorm:"column:canonical_path"`
	LastError     string    `gorm:"column:last_error"`
	ShardIndex    int       `gorm:"column:shard_index"`
	UpdatedAt     time.Time
}

func (recordModel) TableName() string { return "fetch_records" }

type shardModel struct {
	Index     int    `gorm:"primaryKey;column:shard_index"`
	Name      string `gorm:"column:name"`
	RowCount  int64  `gorm:"column:row_count"`
	ByteSize  int64  `gorm:"column:byte_size"`
	RawBytes  int64  `gorm:"column:raw_bytes"`
	Checksum  string `gorm:"column:checksum"`
	CreatedAt time.Time
}

func (shardModel) TableName() string { return "shards" }

// cursorModel is a single-row table holding the serialized cursor.
type cursorModel struct {
	ID        int    `gorm:"primaryKey;column:id"`
	Payload   string `gorm:"column:payload"`
	UpdatedAt time.Time
}

func (cursorModel) TableName() string { return "cursor_state" }

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) a sqlite manifest at path.
func NewSQLiteStore(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest path is required for the sqlite backend")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create manifest dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open manifest db %s: %w", path, err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if err := db.AutoMigrate(&recordModel{}, &shardModel{}, &cursorModel{}); err != nil {
		return nil, fmt.Errorf("migrate manifest db: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func toModel(rec *FetchRecord) recordModel {
	return recordModel{
		Path:          rec.Path,
		Source:        rec.Source,
		Backend:       rec.Backend,
		RemoteID:      rec.RemoteID,
		Seq:           rec.Seq,
		Compressed:    rec.Compressed,
		DiscoveredAt:  rec.DiscoveredAt,
		Status:        string(rec.Status),
		AttemptCount:  rec.AttemptCount,
		ContentHash:   rec.ContentHash,
		ByteSize:      rec.ByteSize,
		Oversized:     rec.Oversized,
		CanonicalPath: rec.CanonicalPath,
		LastError:     rec.LastError,
		ShardIndex:    rec.ShardIndex,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func fromModel(m *recordModel) *FetchRecord {
	return &FetchRecord{
		Path:          m.Path,
		Source:        m.Source,
		Backend:       m.Backend,
		RemoteID:      m.RemoteID,
		Seq:           m.Seq,
		Compressed:    m.Compressed,
		DiscoveredAt:  m.DiscoveredAt,
		Status:        Status(m.Status),
		AttemptCount:  m.AttemptCount,
		ContentHash:   m.ContentHash,
		ByteSize:      m.ByteSize,
		Oversized:     m.Oversized,
		CanonicalPath: m.CanonicalPath,
		LastError:     m.LastError,
		ShardIndex:    m.ShardIndex,
		UpdatedAt:     m.UpdatedAt,
	}
}

func (s *sqliteStore) Get(ctx context.Context, path string) (*FetchRecord, error) {
	var m recordModel
	err := s.db.WithContext(ctx).First(&m, "path = ?", path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", path, err)
	}
	return fromModel(&m), nil
}

func (s *sqliteStore) Put(ctx context.Context, rec *FetchRecord) error {
	m := toModel(rec)
	m.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("put record %q: %w", rec.Path, err)
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, path string, fn func(*FetchRecord) error) (*FetchRecord, error) {
	var out *FetchRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m recordModel
		if err := tx.First(&m, "path = ?", path).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		rec := fromModel(&m)
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		updated := toModel(rec)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*FetchRecord, error) {
	var models []recordModel
	if err := s.db.WithContext(ctx).Order("seq asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*FetchRecord, len(models))
	for i := range models {
		out[i] = fromModel(&models[i])
	}
	return out, nil
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[Status(r.Status)] = r.N
	}
	return counts, nil
}

func (s *sqliteStore) LoadCursor(ctx context.Context) (*source.Cursor, error) {
	var m cursorModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCursor
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	var cur source.Cursor
	if err := json.Unmarshal([]byte(m.Payload), &cur); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &cur, nil
}

func (s *sqliteStore) SaveCursor(ctx context.Context, cur source.Cursor) error {
	payload, err := json.Marshal(&cur)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	m := cursorModel{ID: 1, Payload: string(payload), UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *sqliteStore) Shards(ctx context.Context) ([]*ShardInfo, error) {
	var models []shardModel
	if err := s.db.WithContext(ctx).Order("shard_index asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	out := make([]*ShardInfo, len(models))
	for i, m := range models {
		out[i] = &ShardInfo{
			Index:     m.Index,
			Name:      m.Name,
			RowCount:  m.RowCount,
			ByteSize:  m.ByteSize,
			RawBytes:  m.RawBytes,
			Checksum:  m.Checksum,
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}

func (s *sqliteStore) AppendShard(ctx context.Context, info *ShardInfo, members []string) error {
	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := shardModel{
			Index:     info.Index,
			Name:      info.Name,
			RowCount:  info.RowCount,
			ByteSize:  info.ByteSize,
			RawBytes:  info.RawBytes,
			Checksum:  info.Checksum,
			CreatedAt: createdAt,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert shard %d: %w", info.Index, err)
		}

		now := time.Now().UTC()
		for _, path := range members {
			res := tx.Model(&recordModel{}).
				Where("path = ?", path).
				Updates(map[string]any{"shard_index": info.Index, "updated_at": now})
			if res.Error != nil {
				return fmt.Errorf("update member %q: %w", path, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("shard %d member %q: %w", info.Index, path, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *sqliteStore) RenameShard(ctx context.Context, index int, name string) error {
	res := s.db.WithContext(ctx).
		Model(&shardModel{}).
		Where("shard_index = ?", index).
		Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("rename shard %d: %w", index, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("shard %d: %w", index, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Recover(ctx context.Context) (int, error) {
	requeued := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []recordModel
		err := tx.Where("status = ? OR (status = ? AND shard_index < 0)",
			string(StatusInProgress), string(StatusSucceeded)).
			Find(&models).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range models {
			rec := fromModel(&models[i])
			if !requeue(rec) {
				continue
			}
			resetForRetry(rec)
			rec.UpdatedAt = now
			updated := toModel(rec)
			if err := tx.Save(&updated).Error; err != nil {
				return err
			}
			requeued++
		}

		// Second pass: duplicates whose canonical went back to pending
		// reference content that is in no shard. Refetch them too.
		var dups []recordModel
		err = tx.Where("status = ?", string(StatusSkippedDuplicate)).Find(&dups).Error
		if err != nil {
			return err
		}
		for i := range dups {
			rec := fromModel(&dups[i])

			var canonical *FetchRecord
			var cm recordModel
			err := tx.Where("path = ?", rec.CanonicalPath).First(&cm).Error
			switch {
			case err == nil:
				canonical = fromModel(&cm)
			case errors.Is(err, gorm.ErrRecordNotFound):
				canonical = nil
			default:
				return err
			}

			if !orphanedDuplicate(rec, canonical) {
				continue
			}
			resetForRetry(rec)
			rec.UpdatedAt = now
			updated := toModel(rec)
			if err := tx.Save(&updated).Error; err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover manifest: %w", err)
	}
	return requeued, nil
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
