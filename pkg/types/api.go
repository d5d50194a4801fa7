package types

// ModelsResponse wraps the list returned by GET /models and POST /models/refresh.
type ModelsResponse struct {
	// All known models.
	Models []ModelStatus `json:"models"`
}

// ActionResponse is returned by POST /models/{id}/start and /stop.
type ActionResponse struct {
	// Action that was requested.
	// example: start
	Action string `json:"action" example:"start"`
	// Status of the model after the action settled (or was accepted, for async starts).
	Model ModelStatus `json:"model"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: m9
	Error string `json:"error" example:"model not found: m9"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Error taxonomy: not_found, download, launch, readiness_timeout, exhausted, stop_superseded,
	// shutting_down, busy, internal.
	// example: not_found
	Kind string `json:"kind,omitempty" example:"not_found"`
	// Model status at the time of the failure, when known.
	Model *ModelStatus `json:"model,omitempty"`
}
