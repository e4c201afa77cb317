// Package models defines the persisted entity types.
package models

// APIKey represents an API key record in the database.
type APIKey struct {
	ID        int64
	KeyPrefix string
	KeyHash   []byte
	CreatedAt int64
	RevokedAt *int64
}

// App is one entry of the portal's application catalog.
// Portal responses use either appId or id, so both are kept.
type App struct {
	AppID    string `json:"appId,omitempty"`
	ID       string `json:"id,omitempty"`
	Title    string `json:"title,omitempty"`
	AppName  string `json:"appName,omitempty"`
	URL      string `json:"url,omitempty"`
	Img      string `json:"img,omitempty"`
	Category string `json:"category,omitempty"`
}

// Identifier returns appId, falling back to id.
func (a App) Identifier() string {
	if a.AppID != "" {
		return a.AppID
	}
	return a.ID
}

// AppCatalog is the cached catalog with its save time in epoch milliseconds.
type AppCatalog struct {
	Apps      []App `json:"apps"`
	Timestamp int64 `json:"timestamp"`
}

// RankRecord is the last rank query result the dashboard saved.
type RankRecord struct {
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}
