package models

// User is an account entry in the file-backed user store. The file is
// a JSON object mapping email to this record.
type User struct {
	Email          string         `json:"-"`
	PasswordHash   string         `json:"password_hash"`
	ProviderAPIKey string         `json:"provider_api_key,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}
