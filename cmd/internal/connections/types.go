package connections

import "time"

// TypeTeamwork is the only supported connection type.
const TypeTeamwork = "teamwork"

// ExternalData describes the account on the tracker's side.
type ExternalData struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	APIEndpoint string `json:"apiEndpoint,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
}

// Validation is a successful token check.
type Validation struct {
	AccessToken string
	External    ExternalData
}

// Connection is one stored link. SealedToken is never returned to clients.
type Connection struct {
	ID               string
	UserID           string
	Type             string
	ExternalID       string
	SealedToken      string
	TokenFingerprint string
	External         ExternalData
	CreatedAt        time.Time
}
