package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// knownEnvelopeFields lists the struct-tagged keys of Envelope, used to
// split a decoded object into known fields plus everything else.
var knownEnvelopeFields = map[string]bool{
	"kind": true, "schema_version": true, "task_id": true, "channel": true,
	"seq": true, "created_at": true, "payload": true,
}

// MarshalJSON flattens Unknown back alongside the known fields, so an
// envelope that was decoded with fields this binary doesn't recognize
// re-serializes them unchanged when forwarded.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type known Envelope
	base, err := json.Marshal(known(e))
	if err != nil {
		return nil, err
	}
	if len(e.Unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Unknown {
		if _, known := knownEnvelopeFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields normally and stashes everything
// else into Unknown.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type known Envelope
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	*e = Envelope(k)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal envelope fields: %w", err)
	}
	unknown := make(map[string]json.RawMessage)
	for key, v := range raw {
		if !knownEnvelopeFields[key] {
			unknown[key] = v
		}
	}
	if len(unknown) > 0 {
		e.Unknown = unknown
	}
	return nil
}

// Size returns the serialized size of the envelope, used to enforce
// EnvelopeSizeCap before publish.
func (e Envelope) Size() (int, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEnvelope builds an envelope with the current schema version, encoding
// payload into its Payload field.
func NewEnvelope(kind, taskID, channel string, seq uint64, createdAt func() time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		TaskID:        taskID,
		Channel:       channel,
		Seq:           seq,
		CreatedAt:     createdAt(),
		Payload:       b,
	}
	if n, err := env.Size(); err != nil {
		return Envelope{}, err
	} else if n > EnvelopeSizeCap {
		return Envelope{}, fmt.Errorf("envelope exceeds size cap: %d > %d", n, EnvelopeSizeCap)
	}
	return env, nil
}
