package chat

import "time"

// CreatedAtLayout is the AWSDateTime layout the backend stamps messages with.
const CreatedAtLayout = "2006-01-02T15:04:05.000Z07:00"

type ChatMessage struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

type CreateChatMessageInput struct {
	Message string `json:"message"`
}

// CreatedAtTime parses CreatedAt. Values that are not RFC 3339 yield the zero
// time and false.
func (m ChatMessage) CreatedAtTime() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
