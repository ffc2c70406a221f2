package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sapiensly/agentrelay/internal/database"
	"github.com/sapiensly/agentrelay/types"
)

// conversationRecord is the gorm row for a conversation.
type conversationRecord struct {
	ID            string `gorm:"primaryKey;size:191"`
	Attributes    string `gorm:"type:text"`
	HandoffStack  string `gorm:"type:text"`
	ActiveAgentID string `gorm:"size:191"`
	Reversals     int
	Status        string `gorm:"size:16;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (conversationRecord) TableName() string { return "relay_conversations" }

// messageRecord is the gorm row for one conversation message.
type messageRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:191;index"`
	Role           string `gorm:"size:32"`
	Content        string `gorm:"type:text"`
	AgentID        string `gorm:"size:191"`
	Timestamp      time.Time
}

func (messageRecord) TableName() string { return "relay_conversation_messages" }

// SQLConversationStore is a gorm-backed ConversationStore (sqlite, postgres, mysql).
// Mutations run in a transaction and lock the conversation row where the
// dialect supports SELECT ... FOR UPDATE.
type SQLConversationStore struct {
	pool       *database.PoolManager
	maxRetries int
	now        func() time.Time
}

// NewSQLConversationStore migrates the schema and returns a store
func NewSQLConversationStore(ctx context.Context, pool *database.PoolManager, config StoreConfig) (*SQLConversationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("sql conversation store: %w", ErrInvalidInput)
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate conversation tables: %w", err)
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &SQLConversationStore{
		pool:       pool,
		maxRetries: maxRetries,
		now:        time.Now,
	}, nil
}

// Close is a no-op: the pool is injected and closed by its owner
func (s *SQLConversationStore) Close() error {
	return nil
}

// Ping checks if the store is healthy
func (s *SQLConversationStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindOrCreate returns the conversation, creating it on first use
func (s *SQLConversationStore) FindOrCreate(ctx context.Context, id string, attrs map[string]any) (*ConversationState, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}

	fresh := newConversationState(id, attrs, s.now())
	rec, err := toRecord(fresh)
	if err != nil {
		return nil, err
	}

	err = s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns the conversation state
func (s *SQLConversationStore) Get(ctx context.Context, id string) (*ConversationState, error) {
	var st *ConversationState
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		rec, err := s.load(tx, id, false)
		if err != nil {
			return err
		}
		st, err = fromRecord(rec)
		if err != nil {
			return err
		}
		var msgs []messageRecord
		if err := tx.Where("conversation_id = ?", id).Order("id").Find(&msgs).Error; err != nil {
			return err
		}
		st.Messages = fromMessageRecords(msgs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// RecentMessages returns up to limit trailing messages
func (s *SQLConversationStore) RecentMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	var out []types.Message
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.load(tx, id, false); err != nil {
			return err
		}
		q := tx.Where("conversation_id = ?", id).Order("id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		var msgs []messageRecord
		if err := q.Find(&msgs).Error; err != nil {
			return err
		}
		// 倒序读取后翻转为时间顺序
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		out = fromMessageRecords(msgs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage appends a message
func (s *SQLConversationStore) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		rec, err := s.load(tx, id, true)
		if err != nil {
			return err
		}
		row := messageRecord{
			ConversationID: id,
			Role:           string(msg.Role),
			Content:        msg.Content,
			AgentID:        msg.AgentID,
			Timestamp:      msg.Timestamp,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		return tx.Save(rec).Error
	})
}

// PushHandoff pushes an agent id onto the handoff stack
func (s *SQLConversationStore) PushHandoff(ctx context.Context, id, agentID string) error {
	if agentID == "" {
		return ErrInvalidInput
	}
	return s.update(ctx, id, func(st *ConversationState) error {
		st.HandoffStack = append(st.HandoffStack, agentID)
		return nil
	})
}

// PopHandoff removes and returns the top of the handoff stack
func (s *SQLConversationStore) PopHandoff(ctx context.Context, id string) (string, error) {
	var top string
	err := s.update(ctx, id, func(st *ConversationState) error {
		n := len(st.HandoffStack)
		if n == 0 {
			return ErrNoHandoffToReverse
		}
		top = st.HandoffStack[n-1]
		st.HandoffStack = st.HandoffStack[:n-1]
		return nil
	})
	return top, err
}

// HandoffStack returns a copy of the handoff stack
func (s *SQLConversationStore) HandoffStack(ctx context.Context, id string) ([]string, error) {
	var stack []string
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		rec, err := s.load(tx, id, false)
		if err != nil {
			return err
		}
		st, err := fromRecord(rec)
		if err != nil {
			return err
		}
		stack = st.HandoffStack
		return nil
	})
	return stack, err
}

// IncrementReversals bumps the reversal counter
func (s *SQLConversationStore) IncrementReversals(ctx context.Context, id string) (int, error) {
	var n int
	err := s.update(ctx, id, func(st *ConversationState) error {
		st.Reversals++
		n = st.Reversals
		return nil
	})
	return n, err
}

// SetActiveAgent records the active agent
func (s *SQLConversationStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	return s.update(ctx, id, func(st *ConversationState) error {
		st.ActiveAgentID = agentID
		return nil
	})
}

// Delete marks the conversation DELETED and drops its messages
func (s *SQLConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	now := s.now()
	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&conversationRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		rec := conversationRecord{
			ID:           id,
			Attributes:   "{}",
			HandoffStack: "[]",
			Status:       string(ConversationDeleted),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"attributes", "handoff_stack", "active_agent_id", "status", "updated_at"}),
		}).Create(&rec).Error
	})
}

// update applies fn to the locked conversation row inside a transaction
func (s *SQLConversationStore) update(ctx context.Context, id string, fn func(*ConversationState) error) error {
	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		rec, err := s.load(tx, id, true)
		if err != nil {
			return err
		}
		st, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = s.now()

		next, err := toRecord(st)
		if err != nil {
			return err
		}
		return tx.Save(next).Error
	})
}

// load reads a conversation row, optionally locking it for update
func (s *SQLConversationStore) load(tx *gorm.DB, id string, forUpdate bool) (*conversationRecord, error) {
	q := tx
	// SQLite serializes writers itself and has no row locks
	if forUpdate && s.pool.Dialect() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var rec conversationRecord
	err := q.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == string(ConversationDeleted) {
		return nil, ErrConversationDeleted
	}
	return &rec, nil
}

func toRecord(st *ConversationState) (*conversationRecord, error) {
	attrs, err := json.Marshal(st.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	stack := st.HandoffStack
	if stack == nil {
		stack = []string{}
	}
	rawStack, err := json.Marshal(stack)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handoff stack: %w", err)
	}
	return &conversationRecord{
		ID:            st.ID,
		Attributes:    string(attrs),
		HandoffStack:  string(rawStack),
		ActiveAgentID: st.ActiveAgentID,
		Reversals:     st.Reversals,
		Status:        string(st.Status),
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}, nil
}

func fromRecord(rec *conversationRecord) (*ConversationState, error) {
	st := &ConversationState{
		ID:            rec.ID,
		Messages:      []types.Message{},
		HandoffStack:  []string{},
		ActiveAgentID: rec.ActiveAgentID,
		Reversals:     rec.Reversals,
		Status:        ConversationStatus(rec.Status),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Attributes != "" && rec.Attributes != "null" {
		if err := json.Unmarshal([]byte(rec.Attributes), &st.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	if rec.HandoffStack != "" {
		if err := json.Unmarshal([]byte(rec.HandoffStack), &st.HandoffStack); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handoff stack: %w", err)
		}
	}
	return st, nil
}

func fromMessageRecords(rows []messageRecord) []types.Message {
	out := make([]types.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Message{
			Role:      types.Role(r.Role),
			Content:   r.Content,
			AgentID:   r.AgentID,
			Timestamp: r.Timestamp,
		})
	}
	return out
}
