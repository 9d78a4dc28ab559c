package models

import "time"

// ProxySession is the credential tuple obtained from the first-party proxy.
type ProxySession struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	Tier       string `json:"tier"`
	DailyLimit int    `json:"dailyLimit"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	DeviceID string `json:"deviceId"`
}

// RegisterResponse is the body returned by POST /auth/register.
type RegisterResponse struct {
	Token          string `json:"token"`
	UserID         string `json:"userId"`
	Tier           string `json:"tier"`
	DailyLimit     int    `json:"dailyLimit"`
	UsedToday      int    `json:"usedToday"`
	RemainingToday int    `json:"remainingToday"`
}

// Session returns the persisted part of the registration response.
func (r RegisterResponse) Session() ProxySession {
	return ProxySession{Token: r.Token, UserID: r.UserID, Tier: r.Tier, DailyLimit: r.DailyLimit}
}

// ProxyUsage is the server-reported quota state from GET /usage.
type ProxyUsage struct {
	UserID         string `json:"userId"`
	Tier           string `json:"tier"`
	DailyLimit     int    `json:"dailyLimit"`
	UsedToday      int    `json:"usedToday"`
	RemainingToday int    `json:"remainingToday"`
	TokensToday    int64  `json:"tokensToday"`
}

// Account is a registered proxy user as stored server side.
type Account struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"token"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}
