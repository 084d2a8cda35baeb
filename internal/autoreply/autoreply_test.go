package autoreply

import (
	"testing"

	"github.com/xaenox/botrelay/internal/models"
)

func TestReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		personality models.Personality
		event       models.InboundEvent
		want        string
		wantOK      bool
	}{
		{"generic ignores start", models.Generic, models.InboundEvent{Text: "/start", Command: "start"}, "", false},
		{"generic ignores text", models.Generic, models.InboundEvent{Text: "buy now"}, "", false},
		{"storefront start", models.Storefront, models.InboundEvent{Text: "/start", Command: "start"}, StorefrontWelcome, true},
		{"storefront keyword", models.Storefront, models.InboundEvent{Text: "Show me your PRODUCTS"}, ProductList, true},
		{"storefront price", models.Storefront, models.InboundEvent{Text: "what is the Price?"}, ProductList, true},
		{"storefront unrelated", models.Storefront, models.InboundEvent{Text: "hello there"}, "", false},
		{"storefront other command", models.Storefront, models.InboundEvent{Text: "/help", Command: "help"}, "", false},
		{"consultation start", models.Consultation, models.InboundEvent{Text: "/start", Command: "start"}, ConsultationWelcome, true},
		{"consultation schedule", models.Consultation, models.InboundEvent{Text: "/schedule", Command: "schedule"}, SchedulePrompt, true},
		{"consultation plain text", models.Consultation, models.InboundEvent{Text: "schedule please"}, "", false},
		{"transcription echoes", models.Transcription, models.InboundEvent{Text: "hello world"}, TranscriptMarker + "HELLO WORLD", true},
		{"transcription empty", models.Transcription, models.InboundEvent{Text: ""}, "", false},
		{"transcription blank", models.Transcription, models.InboundEvent{Text: "   "}, "", false},
		{"unknown personality", models.Personality("bogus"), models.InboundEvent{Text: "/start", Command: "start"}, "", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Reply(tc.personality, tc.event)
			if ok != tc.wantOK {
				t.Fatalf("ok mismatch: got %v want %v", ok, tc.wantOK)
			}
			if got != tc.want {
				t.Fatalf("reply mismatch: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestReplyIsDeterministic(t *testing.T) {
	t.Parallel()

	ev := models.InboundEvent{ChatID: 1, Text: "catalog?"}
	first, _ := Reply(models.Storefront, ev)
	for i := 0; i < 10; i++ {
		// Interleave other personalities to make sure no state leaks between calls.
		_, _ = Reply(models.Transcription, models.InboundEvent{Text: "noise"})
		got, _ := Reply(models.Storefront, ev)
		if got != first {
			t.Fatalf("call %d mismatch: got %q want %q", i, got, first)
		}
	}
}

func TestParsePersonality(t *testing.T) {
	t.Parallel()

	cases := map[string]models.Personality{
		"shop":          models.Storefront,
		"Storefront":    models.Storefront,
		"consultation":  models.Consultation,
		"transcription": models.Transcription,
		"base":          models.Generic,
		"":              models.Generic,
	}
	for in, want := range cases {
		if got := models.ParsePersonality(in); got != want {
			t.Fatalf("ParsePersonality(%q) = %q, want %q", in, got, want)
		}
	}
}
