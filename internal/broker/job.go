package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"notification-workers/internal/common/validation"
)

// Job is the reference-only message carried by the queue. Consumers always
// re-read the notification it points at.
//
// RetryCount is the notification's retry count when the job was published.
// It fences duplicates: once an attempt has been counted, older jobs for the
// same notification are dropped. Jobs without it are always processed.
type Job struct {
	ID         uuid.UUID `json:"id"`
	RetryCount *int      `json:"retryCount,omitempty"`
}

func NewJob(id uuid.UUID, retryCount int) Job {
	return Job{ID: id, RetryCount: &retryCount}
}

// Superseded reports whether the job was published for an attempt that has
// already been counted.
func (j Job) Superseded(retryCount int) bool {
	return j.RetryCount != nil && *j.RetryCount < retryCount
}

const jobSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "format": "uuid"},
		"retryCount": {"type": "integer", "minimum": 0}
	}
}`

var jobSchemaCompiled = validation.MustCompile("job", jobSchema)

func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob validates body against the job schema and parses it.
func DecodeJob(body []byte) (Job, error) {
	result, err := jobSchemaCompiled.Validate(body)
	if err != nil {
		return Job{}, err
	}
	if !result.Valid {
		return Job{}, fmt.Errorf("job payload failed schema validation: %s", strings.Join(result.GetErrorMessages(), "; "))
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	if job.ID == uuid.Nil {
		return Job{}, fmt.Errorf("job payload carries the nil uuid")
	}
	return job, nil
}
