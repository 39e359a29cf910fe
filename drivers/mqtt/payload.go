package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

type statePayload struct {
	Name      string       `json:"name"`
	Type      value.Kind   `json:"type"`
	Value     interface{}  `json:"value"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Alarm     *value.Alarm `json:"alarm,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
	Overrun   bool         `json:"overrun,omitempty"`
}

type errorPayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

func encodeUpdate(name string, u pv.Update) ([]byte, error) {
	out := statePayload{
		Name:    name,
		Type:    u.Value.Kind(),
		Value:   u.Value.Interface(),
		Seq:     u.Seq,
		Overrun: u.Overrun,
	}
	if ts := u.Value.Timestamp(); !ts.IsZero() {
		out.Timestamp = &ts
	}
	if alarm := u.Value.Alarm(); alarm != (value.Alarm{}) {
		out.Alarm = &alarm
	}
	return json.Marshal(out)
}

// decodeValue accepts a JSON scalar, a {"value": ...} envelope or plain
// text, which is taken as a string.
func decodeValue(payload []byte) (value.Value, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return value.Value{}, pv.ErrInvalidValue
	}
	if trimmed[0] == '{' {
		var envelope struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return value.Value{}, fmt.Errorf("%w: %v", pv.ErrInvalidValue, err)
		}
		trimmed = envelope.Value
	} else if !json.Valid(trimmed) {
		return value.Scalar(value.KindString).Wrap(string(trimmed))
	}
	v, err := value.DecodeJSON(trimmed)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %v", pv.ErrInvalidValue, err)
	}
	if !v.Valid() {
		return value.Value{}, pv.ErrInvalidValue
	}
	return v, nil
}

// decodeQuery turns a JSON object into rpc query arguments. Non-string
// members keep their JSON text.
func decodeQuery(payload []byte) (map[string]string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return map[string]string{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("rpc payload must be a JSON object: %w", err)
	}
	query := make(map[string]string, len(raw))
	for key, member := range raw {
		var s string
		if err := json.Unmarshal(member, &s); err == nil {
			query[key] = s
			continue
		}
		query[key] = strings.TrimSpace(string(member))
	}
	return query, nil
}
