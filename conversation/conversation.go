// Package conversation decides which messages belong to the history a
// client asks for.
package conversation

import (
	"encoding/hex"

	"chatrelay/models"
)

// Filter selects the messages of one conversation.
//
// A public filter matches every message addressed to Channel. A two-party
// filter matches messages exchanged between A and B in either direction and
// never matches a message addressed to the public channel.
type Filter struct {
	Public  bool
	Channel string
	A, B    string
}

// Resolve derives the filter for a fetch issued by sender about recipient.
func Resolve(recipient, sender string) Filter {
	if recipient == models.PublicChannel {
		return Filter{Public: true, Channel: recipient}
	}
	return Filter{A: sender, B: recipient}
}

// Complete reports whether the filter names everything it needs.
func (f Filter) Complete() bool {
	if f.Public {
		return f.Channel != ""
	}
	return f.A != "" && f.B != ""
}

// Matches reports whether m belongs to the conversation.
func (f Filter) Matches(m models.Message) bool {
	if f.Public {
		return m.Recipient == f.Channel
	}
	if m.Recipient == models.PublicChannel {
		return false
	}
	return (m.Sender == f.A && m.Recipient == f.B) ||
		(m.Sender == f.B && m.Recipient == f.A)
}

// Key returns a canonical identifier for the conversation. Both orderings of
// a pair share one key. Participants are hex encoded so the key is safe to
// use as a storage prefix.
func (f Filter) Key() string {
	if f.Public {
		return "pub:" + hex.EncodeToString([]byte(f.Channel))
	}
	a, b := f.A, f.B
	if b < a {
		a, b = b, a
	}
	return "dm:" + hex.EncodeToString([]byte(a)) + "." + hex.EncodeToString([]byte(b))
}

// Of returns the filter of the conversation m belongs to.
func Of(m models.Message) Filter {
	return Resolve(m.Recipient, m.Sender)
}
