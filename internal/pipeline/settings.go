package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeSettings decodes raw plugin settings into v. Empty settings decode
// as an empty object; unknown fields are rejected.
func DecodeSettings(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
