// Package autoreply maps a bot personality and an inbound event to a canned reply.
// Rules are pure: they never perform I/O and depend only on their input.
package autoreply

import (
	"strings"

	"github.com/xaenox/botrelay/internal/models"
)

const (
	StorefrontWelcome = "Welcome to our store! Send \"products\" to see what we offer."
	ProductList       = "Our products:\n- Basic plan\n- Standard plan\n- Premium plan\nReply with the one you are interested in and an operator will get back to you."

	ConsultationWelcome = "Welcome! We offer one-on-one consultations. Use /schedule to book a time."
	SchedulePrompt      = "Please send your preferred date and time for the consultation, and an operator will confirm it."

	TranscriptMarker = "[transcript] "
)

// productKeywords trigger the storefront product list. Matched case-insensitively.
var productKeywords = []string{"product", "catalog", "price", "buy", "shop"}

// Rule returns the reply for an event, or false when the event gets none.
type Rule func(ev models.InboundEvent) (string, bool)

var rules = map[models.Personality]Rule{
	models.Generic:       noReply,
	models.Storefront:    storefront,
	models.Consultation:  consultation,
	models.Transcription: transcription,
}

// Reply evaluates the rule of personality p against ev.
func Reply(p models.Personality, ev models.InboundEvent) (string, bool) {
	rule, ok := rules[p]
	if !ok {
		return "", false
	}
	return rule(ev)
}

func noReply(models.InboundEvent) (string, bool) {
	return "", false
}

func storefront(ev models.InboundEvent) (string, bool) {
	if ev.Command == "start" {
		return StorefrontWelcome, true
	}
	text := strings.ToLower(ev.Text)
	for _, keyword := range productKeywords {
		if strings.Contains(text, keyword) {
			return ProductList, true
		}
	}
	return "", false
}

func consultation(ev models.InboundEvent) (string, bool) {
	switch ev.Command {
	case "start":
		return ConsultationWelcome, true
	case "schedule":
		return SchedulePrompt, true
	default:
		return "", false
	}
}

func transcription(ev models.InboundEvent) (string, bool) {
	if strings.TrimSpace(ev.Text) == "" {
		return "", false
	}
	return TranscriptMarker + strings.ToUpper(ev.Text), true
}
