package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job is a persisted unit of work. WorkerSlot and LockedAt are set only
// while the job is claimed by a slot.
type Job struct {
	ID           int64      `db:"id" json:"id"`
	Type         string     `db:"type" json:"type"`
	Params       Params     `db:"params" json:"params"`
	Status       JobStatus  `db:"status" json:"status"`
	Logs         string     `db:"logs" json:"logs"`
	ErrorMessage *string    `db:"error_message" json:"error_message"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at"`
	WorkerSlot   *int       `db:"worker_slot" json:"worker_slot"`
	LockedAt     *time.Time `db:"locked_at" json:"locked_at"`
}

// Params is the opaque structured payload of a job, stored as JSON
type Params map[string]any

// Value implements driver.Valuer
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *Params) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported params type %T", src)
	}

	if len(raw) == 0 {
		*p = Params{}
		return nil
	}

	// Undecodable params yield an empty set so the job can still be claimed
	out := Params{}
	if err := json.Unmarshal(raw, &out); err != nil {
		out = Params{}
	}
	*p = out
	return nil
}

// Strings returns the string list stored under key, skipping non-string
// elements. Both []string and the []any produced by JSON decoding are accepted.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// String returns the string stored under key, or ""
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// JobFilter narrows job listings
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// SlotOccupancy describes a slot currently bound to a running job
type SlotOccupancy struct {
	SlotID    int        `db:"worker_slot" json:"slot_id"`
	JobID     int64      `db:"id" json:"job_id"`
	StartedAt *time.Time `db:"started_at" json:"started_at"`
	LockedAt  *time.Time `db:"locked_at" json:"locked_at"`
}
