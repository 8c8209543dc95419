package models

import "encoding/json"

type timestampEnvelope struct {
	Timestamp string `json:"timestamp"`
}

// WithTimestamp returns a copy of an opaque request document with its
// "timestamp" field set, overwriting any existing value. Used by
// StubRepository.AddRequest per spec §4.2.
func WithTimestamp(raw json.RawMessage, ts string) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, err
		}
	}

	tsBytes, err := json.Marshal(ts)
	if err != nil {
		return nil, err
	}
	merged["timestamp"] = tsBytes

	return json.Marshal(merged)
}

// Timestamp extracts the "timestamp" field from an opaque request document.
func Timestamp(raw json.RawMessage) string {
	var env timestampEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Timestamp
}
