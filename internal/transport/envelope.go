package transport

import (
	"encoding/json"
	"time"

	"vectorflow/internal/job"
)

// Envelope is the JSON message published for each job.
type Envelope struct {
	ID          string       `json:"id"`
	Kind        job.Kind     `json:"kind"`
	Priority    job.Priority `json:"priority"`
	Payload     job.Payload  `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt time.Time    `json:"published_at"`
}

// NewEnvelope captures the publishable fields of j.
func NewEnvelope(j *job.Job, now time.Time) Envelope {
	return Envelope{
		ID:          j.ID,
		Kind:        j.Kind,
		Priority:    j.Priority,
		Payload:     j.Payload,
		CreatedAt:   j.CreatedAt,
		PublishedAt: now.UTC(),
	}
}

// Encode renders the envelope as JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a message produced by Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
