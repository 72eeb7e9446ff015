package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ChangeType is the kind of configuration write that produced an event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	// ChangeReload asks nodes to rebuild from a full snapshot.
	ChangeReload ChangeType = "reload"
)

// ChangeEvent notifies nodes that an API definition changed. Delivery is at
// least once; applying the same event twice has no further effect.
type ChangeEvent struct {
	ID      string     `json:"id"`
	Type    ChangeType `json:"type"`
	APIID   string     `json:"api_id,omitempty"`
	Host    string     `json:"host,omitempty"`
	Version int64      `json:"version,omitempty"`
	Origin  string     `json:"origin,omitempty"`
}

// NewChangeEvent returns an event with a fresh id.
func NewChangeEvent(t ChangeType, api *API) ChangeEvent {
	ev := ChangeEvent{ID: uuid.NewString(), Type: t}
	if api != nil {
		ev.APIID = api.ID
		ev.Host = api.NormalizedHost()
		ev.Version = api.Version
	}
	return ev
}

// Encode serializes the event for a broker.
func (e ChangeEvent) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DecodeChangeEvent parses a broker payload.
func DecodeChangeEvent(b []byte) (ChangeEvent, error) {
	var e ChangeEvent
	err := json.Unmarshal(b, &e)
	return e, err
}
