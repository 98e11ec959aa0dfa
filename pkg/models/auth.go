package models

import "time"

// IngestToken authorizes one RTMP camera publisher
type IngestToken struct {
	Token       string    // The actual token string
	StreamKey   string    // Stream key the publisher must use
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	RequestedBy string    // IP address that requested the token
	IsUsed      bool      // Whether a publisher has connected with it
}

// IsValid checks if the token can still be used at the given time
func (t *IngestToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// PublishRequest represents a request to create an ingest token
type PublishRequest struct {
	StreamKey string `json:"streamKey"` // Empty generates one
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (0 = server default)
}

// PublishResponse represents the response to a publish request
type PublishResponse struct {
	PublishURL string `json:"publishUrl"`
	StreamKey  string `json:"streamKey"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}
