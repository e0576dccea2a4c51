package models

type Service struct {
	ServiceID string `json:"service_id"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Padding   int    `json:"padding"`
	Active    bool   `json:"is_active"`
}

// MaxPadding keeps 10^padding within int64 with room to spare.
const MaxPadding = 9
