package repository

import (
	"time"

	"gorm.io/gorm/clause"

	"github.com/awsl-project/agw/internal/cache"
)

// cacheRecord matches the shared column set of the three cache tables.
type cacheRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt   int64
	UpdatedAt   int64
	CacheKey    string `gorm:"size:512;uniqueIndex"`
	Value       string `gorm:"type:text"`
	Text        string `gorm:"type:text"`
	Family      string `gorm:"size:32"`
	LastAccess  int64
	ExpiresAt   int64
	AccessCount int64
}

// CachePersistence adapts one cache table to cache.Persistence.
type CachePersistence struct {
	db    *DB
	table string
}

func NewSignaturePersistence(db *DB) *CachePersistence {
	return &CachePersistence{db: db, table: SignatureRow{}.TableName()}
}

func NewToolPersistence(db *DB) *CachePersistence {
	return &CachePersistence{db: db, table: ToolRow{}.TableName()}
}

func NewSessionPersistence(db *DB) *CachePersistence {
	return &CachePersistence{db: db, table: SessionRow{}.TableName()}
}

func (p *CachePersistence) Save(entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	rows := make([]cacheRecord, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, cacheRecord{
			CreatedAt:   toTimestamp(e.CreatedAt),
			UpdatedAt:   now,
			CacheKey:    e.Key,
			Value:       e.Value,
			Text:        e.Text,
			Family:      e.Family,
			LastAccess:  toTimestamp(e.LastAccess),
			ExpiresAt:   toTimestamp(e.ExpiresAt),
			AccessCount: e.AccessCount,
		})
	}
	return p.db.gorm.Table(p.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "value", "text", "family",
			"last_access", "expires_at", "access_count",
		}),
	}).Create(&rows).Error
}

func (p *CachePersistence) Get(key string) (*cache.Entry, error) {
	var row cacheRecord
	err := p.db.gorm.Table(p.table).Where("cache_key = ?", key).First(&row).Error
	if err != nil {
		return nil, err
	}
	return rowToEntry(&row), nil
}

func (p *CachePersistence) Delete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return p.db.gorm.Table(p.table).Where("cache_key IN ?", keys).Delete(&cacheRecord{}).Error
}

func (p *CachePersistence) LoadRecent(limit int) ([]*cache.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []cacheRecord
	err := p.db.gorm.Table(p.table).
		Where("expires_at = 0 OR expires_at > ?", time.Now().UnixMilli()).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*cache.Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rowToEntry(&rows[i]))
	}
	return entries, nil
}

// DeleteExpired prunes rows past their expiry. Called from the periodic
// maintenance task.
func (p *CachePersistence) DeleteExpired() (int64, error) {
	res := p.db.gorm.Table(p.table).
		Where("expires_at > 0 AND expires_at <= ?", time.Now().UnixMilli()).
		Delete(&cacheRecord{})
	return res.RowsAffected, res.Error
}

func rowToEntry(row *cacheRecord) *cache.Entry {
	return &cache.Entry{
		Key:         row.CacheKey,
		Value:       row.Value,
		Text:        row.Text,
		Family:      row.Family,
		CreatedAt:   fromTimestamp(row.CreatedAt),
		LastAccess:  fromTimestamp(row.LastAccess),
		ExpiresAt:   fromTimestamp(row.ExpiresAt),
		AccessCount: row.AccessCount,
	}
}
