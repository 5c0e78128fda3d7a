package saga

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/oklog/ulid/v2"
)

// Input is the write record a saga executes. It is serialised into the start
// entry of the write-ahead log and is the only payload handed to every step,
// so recovery can rebuild an execution from the log alone.
type Input struct {
	ExecutionID ulid.ULID       `json:"executionId"`
	Method      string          `json:"method"`
	Schema      string          `json:"schema,omitempty"`
	Namespace   string          `json:"namespace"`
	Entity      string          `json:"entity"`
	ResourceID  string          `json:"id"`
	Version     time.Time       `json:"version"`
	Source      string          `json:"source,omitempty"`
	SourceID    string          `json:"sourceId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// PositionKey returns entity/resourceId/versionEpochMillis.
func (in Input) PositionKey() string {
	return fmt.Sprintf("%s/%s/%d", in.Entity, in.ResourceID, in.Version.UnixMilli())
}

// Validate checks the fields every step relies on.
func (in Input) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Method, validation.Required, validation.In(http.MethodPut, http.MethodDelete)),
		validation.Field(&in.Namespace, validation.Required),
		validation.Field(&in.Entity, validation.Required),
		validation.Field(&in.ResourceID, validation.Required),
		validation.Field(&in.Version, validation.Required),
		validation.Field(&in.Data, validation.When(in.Method == http.MethodPut, validation.Required)),
	)
}

// Encode serialises the input for the start entry.
func (in Input) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("saga: encode input %s: %w", in.ExecutionID, err)
	}
	return b, nil
}

// DecodeInput parses an input previously produced by Encode.
func DecodeInput(raw json.RawMessage) (Input, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, fmt.Errorf("saga: decode input: %w", err)
	}
	return in, nil
}
