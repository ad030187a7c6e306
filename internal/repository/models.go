package repository

// GORM models. Timestamps are Unix millisecond int64 so every dialector
// stores them identically.

// BaseModel contains common fields for all entities
type BaseModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt int64
	UpdatedAt int64
}

// SignatureRow is one cached thinking-text signature keyed by content
// hash.
type SignatureRow struct {
	BaseModel
	CacheKey    string `gorm:"size:512;uniqueIndex"`
	Value       string `gorm:"type:text"`
	Text        string `gorm:"type:text"`
	Family      string `gorm:"size:32;index"`
	LastAccess  int64
	ExpiresAt   int64 `gorm:"index"`
	AccessCount int64
}

func (SignatureRow) TableName() string { return "signature_cache" }

// ToolRow is one cached tool-call signature keyed by tool_use id.
type ToolRow struct {
	BaseModel
	CacheKey    string `gorm:"size:512;uniqueIndex"`
	Value       string `gorm:"type:text"`
	Text        string `gorm:"type:text"`
	Family      string `gorm:"size:32;index"`
	LastAccess  int64
	ExpiresAt   int64 `gorm:"index"`
	AccessCount int64
}

func (ToolRow) TableName() string { return "tool_cache" }

// SessionRow is one cached conversation fingerprint record.
type SessionRow struct {
	BaseModel
	CacheKey    string `gorm:"size:512;uniqueIndex"`
	Value       string `gorm:"type:text"`
	Text        string `gorm:"type:text"`
	Family      string `gorm:"size:32;index"`
	LastAccess  int64
	ExpiresAt   int64 `gorm:"index"`
	AccessCount int64
}

func (SessionRow) TableName() string { return "session_cache" }

// ConversationRow is the durable copy of one SCID's authoritative state.
type ConversationRow struct {
	BaseModel
	SCID        string `gorm:"size:128;uniqueIndex;column:scid"`
	ClientType  string `gorm:"size:64"`
	Family      string `gorm:"size:32"`
	History     string `gorm:"type:text"`
	ExpiresAt   int64  `gorm:"index"`
	AccessCount int64
}

func (ConversationRow) TableName() string { return "conversation_state" }

// AllModels returns every model for auto-migration
func AllModels() []interface{} {
	return []interface{}{
		&SignatureRow{},
		&ToolRow{},
		&SessionRow{},
		&ConversationRow{},
	}
}
