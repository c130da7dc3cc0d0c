package protocol

import "time"

// TokenRequest is the (empty) body of POST /token; the API key travels in
// the X-API-Key header.
type TokenRequest struct{}

type TokenResponse struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int      `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	UserID      string   `json:"user_id"`
	Plan        UserPlan `json:"plan"`
}

const TokenTypeBearer = "Bearer"

type UserLimitsResponse struct {
	Plan       UserPlan             `json:"plan"`
	Limits     map[string]int       `json:"limits"`
	Usage      map[string]int       `json:"usage"`
	ResetTimes map[string]time.Time `json:"reset_times"`
}

// Error body for REST failures.
type RESTError struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}
