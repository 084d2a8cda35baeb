package models

import "time"

// InboundEvent is a platform update normalised to the fields the relay needs.
type InboundEvent struct {
	BotID   int64
	ChatID  int64
	Text    string // message text, or caption for media
	Title   string // chat title, or sender first name
	Command string // bot command without the leading slash, if any
	// ReceivedAt is when the platform client received the update.
	ReceivedAt time.Time
}

func (e InboundEvent) IsCommand() bool {
	return e.Command != ""
}
