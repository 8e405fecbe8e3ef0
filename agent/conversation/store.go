package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/voiceflow/internal/database"
	"github.com/BaSui01/voiceflow/types"
)

// ErrSessionNotFound 没有该会话的转写
var ErrSessionNotFound = errors.New("conversation: session not found")

// Store 按会话 ID 持久化转写
type Store interface {
	Save(ctx context.Context, sessionID, roomID string, chatCtx *ChatContext) error
	Load(ctx context.Context, sessionID string) (*ChatContext, error)
}

// SessionRecord voice_sessions 表
type SessionRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	RoomID    string    `gorm:"size:128;index" json:"room_id"`
	ItemCount int       `gorm:"default:0" json:"item_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SessionRecord) TableName() string { return "voice_sessions" }

// ItemRecord voice_chat_items 表，Seq 保持条目顺序
type ItemRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	SessionID   string    `gorm:"size:64;not null;index:idx_session_seq,priority:1" json:"session_id"`
	Seq         int       `gorm:"not null;index:idx_session_seq,priority:2" json:"seq"`
	ItemID      string    `gorm:"size:64;not null" json:"item_id"`
	Type        string    `gorm:"size:32;not null" json:"type"`
	Role        string    `gorm:"size:16" json:"role,omitempty"`
	Content     string    `gorm:"type:text" json:"content,omitempty"` // JSON 数组
	Interrupted bool      `gorm:"default:false" json:"interrupted"`
	Name        string    `gorm:"size:128" json:"name,omitempty"`
	Arguments   string    `gorm:"type:text" json:"arguments,omitempty"`
	CallID      string    `gorm:"size:128" json:"call_id,omitempty"`
	Output      string    `gorm:"type:text" json:"output,omitempty"`
	IsError     bool      `gorm:"default:false" json:"is_error"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ItemRecord) TableName() string { return "voice_chat_items" }

// GormStore 基于 gorm 的 Store
type GormStore struct {
	pool       *database.PoolManager
	maxRetries int
	logger     *zap.Logger
}

// NewGormStore 创建存储并自动迁移表结构
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) (*GormStore, error) {
	if pool == nil {
		return nil, errors.New("conversation: nil pool manager")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&SessionRecord{}, &ItemRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{
		pool:       pool,
		maxRetries: 3,
		logger:     logger.With(zap.String("component", "transcript_store")),
	}, nil
}

// Save 覆盖写入会话的全部条目
func (s *GormStore) Save(ctx context.Context, sessionID, roomID string, chatCtx *ChatContext) error {
	if sessionID == "" {
		return errors.New("conversation: empty session id")
	}
	items := chatCtx.Items()
	records := make([]ItemRecord, 0, len(items))
	for i, it := range items {
		rec, err := toRecord(sessionID, i, it)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		session := SessionRecord{ID: sessionID, RoomID: roomID, ItemCount: len(records)}
		var existing SessionRecord
		err := tx.Where("id = ?", sessionID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&session).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&existing).Updates(map[string]any{
				"room_id":    roomID,
				"item_count": len(records),
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("session_id = ?", sessionID).Delete(&ItemRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 100).Error
	})
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", sessionID, err)
	}
	s.logger.Debug("transcript saved", zap.String("session_id", sessionID), zap.Int("items", len(records)))
	return nil
}

// Load 读取会话转写
func (s *GormStore) Load(ctx context.Context, sessionID string) (*ChatContext, error) {
	db := s.pool.DB().WithContext(ctx)
	var session SessionRecord
	if err := db.Where("id = ?", sessionID).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var records []ItemRecord
	if err := db.Where("session_id = ?", sessionID).Order("seq asc").Find(&records).Error; err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		it, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return &ChatContext{items: items}, nil
}

// ListSessions 最近更新的会话
func (s *GormStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []SessionRecord
	err := s.pool.DB().WithContext(ctx).Order("updated_at desc").Limit(limit).Find(&out).Error
	return out, err
}

func toRecord(sessionID string, seq int, it Item) (ItemRecord, error) {
	rec := ItemRecord{
		SessionID:   sessionID,
		Seq:         seq,
		ItemID:      it.ID,
		Type:        string(it.Type),
		Role:        string(it.Role),
		Interrupted: it.Interrupted,
		Name:        it.Name,
		Arguments:   it.Arguments,
		CallID:      it.CallID,
		Output:      it.Output,
		IsError:     it.IsError,
		CreatedAt:   it.CreatedAt,
	}
	if it.Type == ItemMessage {
		b, err := json.Marshal(it.Content)
		if err != nil {
			return ItemRecord{}, err
		}
		rec.Content = string(b)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return rec, nil
}

func fromRecord(rec ItemRecord) (Item, error) {
	it := Item{
		ID:          rec.ItemID,
		Type:        ItemType(rec.Type),
		Role:        types.Role(rec.Role),
		Interrupted: rec.Interrupted,
		Name:        rec.Name,
		Arguments:   rec.Arguments,
		CallID:      rec.CallID,
		Output:      rec.Output,
		IsError:     rec.IsError,
	}
	if it.Type == ItemMessage {
		it.CreatedAt = rec.CreatedAt
		if rec.Content != "" {
			if err := json.Unmarshal([]byte(rec.Content), &it.Content); err != nil {
				return Item{}, fmt.Errorf("decode content of %s: %w", rec.ItemID, err)
			}
		}
	}
	return it, nil
}
