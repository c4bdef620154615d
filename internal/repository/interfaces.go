package repository

import (
	"context"

	"github.com/chatforge/pipeline-service/internal/models"
)

// Repository aggregates all repository interfaces
type Repository interface {
	Message() MessageRepositoryInterface
	Event() EventRepositoryInterface
}

// MessageRepositoryInterface defines persisted-message operations
type MessageRepositoryInterface interface {
	StoreMessage(ctx context.Context, msg *models.StoredMessage) (*models.StoredMessage, error)
	GetMessages(ctx context.Context, limit int) ([]*models.StoredMessage, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
}
