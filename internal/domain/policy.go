package domain

import "time"

// PolicyDocument is a stored, versioned policy table.
// Body holds the YAML source so that a table can be re-parsed and re-compiled
// exactly as it was submitted.
type PolicyDocument struct {
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Body        string    `json:"body"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ModelInfo describes a loaded regression model.
type ModelInfo struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Artifact string  `json:"artifact"`
	Weight   float64 `json:"weight"`
	Features int     `json:"features"`
}
