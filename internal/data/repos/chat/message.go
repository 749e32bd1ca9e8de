package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/applianceworks/partsassist-backend/internal/domain/chat"
	"github.com/applianceworks/partsassist-backend/internal/pkg/dbctx"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
)

// MessageRepo is the append-only per-session message log. Sessions are
// created implicitly by their first append and never deleted here.
type MessageRepo interface {
	// Append assigns the next per-session Seq and inserts the message.
	Append(dbc dbctx.Context, m *chat.Message) error
	// ListRecent returns the most recent messages for a session, oldest
	// first within the limited window.
	ListRecent(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error)
	// ListBySession is the full ascending history, bounded by limit.
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error)
	Latest(dbc dbctx.Context, sessionID uuid.UUID) (*chat.Message, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) Append(dbc dbctx.Context, m *chat.Message) error {
	if m == nil {
		return fmt.Errorf("missing message")
	}
	if m.SessionID == uuid.Nil {
		return fmt.Errorf("missing session_id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	// The caller serializes appends per session, so max(seq)+1 is race-free
	// within one process; the unique (session_id, seq) index backstops it.
	return txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.
			Model(&chat.Message{}).
			Select("COALESCE(MAX(seq), 0)").
			Where("session_id = ?", m.SessionID).
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		m.Seq = maxSeq + 1
		return tx.Create(m).Error
	})
}

func (r *messageRepo) ListRecent(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 10
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*chat.Message
	if err := txx.WithContext(dbc.Ctx).
		Model(&chat.Message{}).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// Normalize to ASC for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *messageRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*chat.Message
	if err := txx.WithContext(dbc.Ctx).
		Model(&chat.Message{}).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) Latest(dbc dbctx.Context, sessionID uuid.UUID) (*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out chat.Message
	err := txx.WithContext(dbc.Ctx).
		Model(&chat.Message{}).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s has no messages: %w", sessionID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
