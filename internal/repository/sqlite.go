package repository

import (
	"context"
	"time"

	"github.com/chatforge/pipeline-service/internal/models"
	"github.com/chatforge/pipeline-service/internal/store"
)

// SQLiteRepository implements Repository interface using SQLite
type SQLiteRepository struct {
	db          *store.DB
	messageRepo MessageRepositoryInterface
	eventRepo   EventRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) Repository {
	return &SQLiteRepository{
		db:          db,
		messageRepo: &SQLiteMessageRepository{db: db},
		eventRepo:   &SQLiteEventRepository{db: db},
	}
}

func (r *SQLiteRepository) Message() MessageRepositoryInterface {
	return r.messageRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

// SQLiteMessageRepository handles persisted agent responses
type SQLiteMessageRepository struct {
	db *store.DB
}

func (r *SQLiteMessageRepository) StoreMessage(ctx context.Context, msg *models.StoredMessage) (*models.StoredMessage, error) {
	id, err := r.db.Message(
		msg.Timestamp,
		msg.MessageID,
		msg.WorkspaceID,
		msg.AgentID,
		msg.RequesterID,
		msg.Query,
		msg.Response,
		msg.Category,
		msg.FromCache,
		msg.Chunks,
		time.Duration(msg.DurationMs)*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

func (r *SQLiteMessageRepository) GetMessages(ctx context.Context, limit int) ([]*models.StoredMessage, error) {
	rows, err := r.db.Query(`SELECT id,ts,message_id,workspace_id,agent_id,requester_id,query,response,category,from_cache,chunks,dur_ms FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.StoredMessage
	for rows.Next() {
		var msg models.StoredMessage
		var tsFloat, durMs float64

		if err := rows.Scan(
			&msg.ID, &tsFloat, &msg.MessageID, &msg.WorkspaceID, &msg.AgentID,
			&msg.RequesterID, &msg.Query, &msg.Response, &msg.Category,
			&msg.FromCache, &msg.Chunks, &durMs,
		); err == nil {
			msg.Timestamp = time.Unix(0, int64(tsFloat*1e9))
			msg.DurationMs = int64(durMs)
			msgs = append(msgs, &msg)
		}
	}

	return msgs, nil
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	r.db.Event(level, code, msg, meta)
	return nil
}
