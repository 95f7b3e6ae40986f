package store

import "encoding/json"

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Organization struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// Document is a collaboration room. OrganizationID is empty for documents
// owned by a single user.
type Document struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// ThreadRecord is the durable copy of one thread. Payload holds the full
// thread as JSON; the other columns exist for listing and filtering.
type ThreadRecord struct {
	ID           string          `json:"id"`
	RoomID       string          `json:"roomId"`
	From         int             `json:"from"`
	To           int             `json:"to"`
	Resolved     bool            `json:"resolved"`
	CommentCount int             `json:"commentCount"`
	Payload      json.RawMessage `json:"payload"`
	UpdatedAt    int64           `json:"updatedAt"`
}
