// Package platform talks to the chat platform on behalf of registered bots.
package platform

import (
	"context"

	"github.com/xaenox/botrelay/internal/models"
)

// Client is the boundary between the relay and a chat platform.
type Client interface {
	// VerifyCredential reports whether token identifies a live bot.
	// Any transport or auth failure yields false.
	VerifyCredential(ctx context.Context, token string) bool

	// Receive opens the update stream of a bot. The returned channel is
	// closed once ctx is cancelled or the stream fails permanently.
	Receive(ctx context.Context, botID int64, token string) (<-chan models.InboundEvent, error)

	// SendText delivers text to a chat. It does not retry.
	SendText(ctx context.Context, token string, chatID int64, text string) error
}
