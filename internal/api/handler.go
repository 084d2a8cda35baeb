// Package api is the HTTP control surface used by the operator inbox.
package api

import (
	"context"

	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/notify"
	"github.com/xaenox/botrelay/internal/platform"
	"github.com/xaenox/botrelay/internal/storage"
	"go.uber.org/zap"
)

// Supervisor is the part of supervisor.Supervisor the handlers drive.
type Supervisor interface {
	Start(ctx context.Context, bot models.Bot) error
	Stop(ctx context.Context, botID int64) error
	IsRunning(botID int64) bool
}

type Handler struct {
	store      storage.Storage
	supervisor Supervisor
	client     platform.Client
	publisher  notify.Publisher
	logger     *zap.Logger
}

func NewHandler(store storage.Storage, sup Supervisor, client platform.Client, publisher notify.Publisher, logger *zap.Logger) *Handler {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Handler{
		store:      store,
		supervisor: sup,
		client:     client,
		publisher:  publisher,
		logger:     logger,
	}
}
