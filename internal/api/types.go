// Package api defines the JSON bodies exchanged with the local API.
package api

import (
	"encoding/json"

	"github.com/rsclarke/portalgate/internal/rules"
)

// Headers that identify the tab a message was sent from.
const (
	HeaderTabID     = "X-Tab-ID"
	HeaderTabURL    = "X-Tab-URL"
	HeaderRequestID = "X-Request-ID"
)

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	URL     string          `json:"url,omitempty"`
}

// AcceptedResponse answers fire-and-forget messages with 202.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type RulesResponse struct {
	Rules []rules.HeaderRule `json:"rules"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
