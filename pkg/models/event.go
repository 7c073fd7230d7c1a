package models

// Event is one durable event-bus record. IDs are assigned by the database
// sequence and are strictly increasing within a channel.
type Event struct {
	ID           int64          `json:"id"`
	Channel      string         `json:"channel"`
	Payload      map[string]any `json:"payload"`
	InsertedAtUS int64          `json:"inserted_at_us"`
}
