package inhibitor

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const holdSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["who", "what"],
  "properties": {
    "id":       {"type": "string"},
    "who":      {"type": "string", "minLength": 1},
    "what":     {"enum": ["jobs", "alarms", "ops"]},
    "why":      {"type": "string"},
    "duration": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var holdSchema = jsonschema.MustCompileString("hold.schema.json", holdSchemaJSON)

// HoldData is the wire form of a hold, as sent on the socket or stored in
// the Redis hash.
type HoldData struct {
	ID       string `json:"id,omitempty"`
	Who      string `json:"who"`
	What     Kind   `json:"what"`
	Why      string `json:"why,omitempty"`
	Duration int64  `json:"duration,omitempty"` // seconds, Redis holds only
}

// ParseHold validates and decodes a hold.
func ParseHold(data []byte) (HoldData, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return HoldData{}, fmt.Errorf("invalid hold JSON: %w", err)
	}
	if err := holdSchema.Validate(doc); err != nil {
		return HoldData{}, fmt.Errorf("invalid hold: %w", err)
	}

	var h HoldData
	if err := json.Unmarshal(data, &h); err != nil {
		return HoldData{}, fmt.Errorf("invalid hold: %w", err)
	}
	return h, nil
}
