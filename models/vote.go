package models

import "math/big"

// Receipt is returned to a voter after a ballot is appended.
type Receipt struct {
	Hash     string  `json:"receipt"`
	Position int     `json:"position"`
	Time     float64 `json:"time"`
}

// TallySummary is the archived outcome of a tally.
type TallySummary struct {
	TallyID    string         `json:"tally_id"`
	ElectionID string         `json:"election_id,omitempty"`
	Results    map[string]int `json:"results"`
	Total      int            `json:"total"`
	Errors     int            `json:"errors"`
	MasterHash string         `json:"master_hash"`
	ChainValid bool           `json:"chain_valid"`
	Prime      *big.Int       `json:"prime"`
	Time       float64        `json:"time"`
}
