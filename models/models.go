package models

import (
	"time"

	"github.com/google/uuid"
)

// PublicChannel is the reserved recipient of the shared public channel.
// It never names a real user.
const PublicChannel = "Live Review"

type Message struct {
	ID          uuid.UUID `json:"id"`
	Sender      string    `json:"sender"`
	SenderName  string    `json:"senderName"`
	SenderImage *string   `json:"senderImage"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Draft holds the caller-supplied fields of a message that is about to be created.
type Draft struct {
	Sender      string  `json:"sender" validate:"required"`
	SenderName  string  `json:"senderName" validate:"required"`
	SenderImage *string `json:"senderImage"`
	Recipient   string  `json:"recipient" validate:"required"`
	Message     string  `json:"message" validate:"required"`
}

// IsPublic reports whether the message was posted to the public channel.
func (m Message) IsPublic() bool { return m.Recipient == PublicChannel }
