package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/awsl-project/agw/internal/domain"
)

// ConversationRepository persists SCID state. The conversation store in
// front of it treats every call as best-effort.
type ConversationRepository struct {
	db *DB
}

func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Get(scid string) (*domain.ConversationState, error) {
	var row ConversationRow
	err := r.db.gorm.Where("scid = ?", scid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToState(&row), nil
}

func (r *ConversationRepository) Save(state *domain.ConversationState) error {
	now := time.Now().UnixMilli()
	row := ConversationRow{
		BaseModel: BaseModel{
			CreatedAt: toTimestamp(state.CreatedAt),
			UpdatedAt: now,
		},
		SCID:        state.SCID,
		ClientType:  string(state.ClientType),
		Family:      string(state.Family),
		History:     string(state.History),
		ExpiresAt:   toTimestamp(state.ExpiresAt),
		AccessCount: state.AccessCount,
	}
	return r.db.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "client_type", "family", "history",
			"expires_at", "access_count",
		}),
	}).Create(&row).Error
}

func (r *ConversationRepository) Delete(scid string) error {
	return r.db.gorm.Where("scid = ?", scid).Delete(&ConversationRow{}).Error
}

// DeleteExpired prunes conversations past their sliding TTL.
func (r *ConversationRepository) DeleteExpired() (int64, error) {
	res := r.db.gorm.
		Where("expires_at > 0 AND expires_at <= ?", time.Now().UnixMilli()).
		Delete(&ConversationRow{})
	return res.RowsAffected, res.Error
}

// LoadActive returns unexpired conversations, newest first, for warm
// start.
func (r *ConversationRepository) LoadActive(limit int) ([]*domain.ConversationState, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []ConversationRow
	err := r.db.gorm.
		Where("expires_at = 0 OR expires_at > ?", time.Now().UnixMilli()).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	states := make([]*domain.ConversationState, 0, len(rows))
	for i := range rows {
		states = append(states, rowToState(&rows[i]))
	}
	return states, nil
}

func rowToState(row *ConversationRow) *domain.ConversationState {
	return &domain.ConversationState{
		SCID:        row.SCID,
		ClientType:  domain.ClientType(row.ClientType),
		Family:      domain.ModelFamily(row.Family),
		History:     []byte(row.History),
		CreatedAt:   fromTimestamp(row.CreatedAt),
		UpdatedAt:   fromTimestamp(row.UpdatedAt),
		ExpiresAt:   fromTimestamp(row.ExpiresAt),
		AccessCount: row.AccessCount,
	}
}
