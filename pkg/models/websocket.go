package models

// StreamRequest is the subscribe/unsubscribe frame sent on a stream connection
type StreamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
