package models

// Registration binds an issued ballot token to the voter it was issued to.
type Registration struct {
	VoterID  string  `json:"voter_id"`
	IssuedAt float64 `json:"issued_at"`
}

// RegMap holds outstanding registrations keyed by token fingerprint.
type RegMap map[string]Registration
