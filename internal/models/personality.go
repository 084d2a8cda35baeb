package models

import "strings"

// Personality selects the auto-reply behaviour of a bot.
type Personality string

const (
	Generic       Personality = "generic"
	Storefront    Personality = "storefront"
	Consultation  Personality = "consultation"
	Transcription Personality = "transcription"
)

// ParsePersonality maps a stored or user supplied value to a Personality.
// Legacy names are accepted and anything unknown becomes Generic.
func ParsePersonality(s string) Personality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "storefront", "shop":
		return Storefront
	case "consultation":
		return Consultation
	case "transcription":
		return Transcription
	default:
		return Generic
	}
}

func (p Personality) String() string {
	return string(p)
}
