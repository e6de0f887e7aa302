package models

// Contact maps an identity to a display name.
type Contact struct {
	ID   Identity `json:"id"`
	Name string   `json:"name"`
}
