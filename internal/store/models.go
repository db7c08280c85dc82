package store

import "time"

type Profile struct {
	ID                    string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
}

type Request struct {
	ID         string
	Title      string
	ClientID   string
	ReviewerID *string
	Status     string
	Urgency    string
	CreatedAt  time.Time
	// Joined fields
	ClientEmail   string
	ReviewerEmail string
}

type Message struct {
	ID         string
	RequestID  string
	UserID     string
	Text       string
	IsInternal bool
	CreatedAt  time.Time
	// Joined fields
	AuthorEmail string
	AuthorRole  string
}

// MessageMeta carries just enough of a message to compute thread counts
// without loading bodies for every request in a listing.
type MessageMeta struct {
	RequestID  string
	CreatedAt  time.Time
	IsInternal bool
}

type ViewMarker struct {
	UserID       string
	RequestID    string
	LastViewedAt time.Time
}

type ClientCount struct {
	Email string
	Count int
}

// RequestTotal is one cell of the status/urgency breakdown used by the
// reports summary and the Prometheus collector.
type RequestTotal struct {
	Status  string
	Urgency string
	Count   int
}
