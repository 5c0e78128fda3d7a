package httpx

import "encoding/json"

type SagaExecutionResponse struct {
	ExecutionID string `json:"saga-execution-id"`
}

type SourceResponse struct {
	// LastSourceID is null when the source has no record or the newest
	// record carries no source id.
	LastSourceID *string `json:"lastSourceId"`
}

type DocumentResponse struct {
	Namespace string          `json:"namespace"`
	Entity    string          `json:"entity"`
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
