package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskqueue/internal/job"
)

const recordVersion = 1

// record is the on-disk/on-wire shape shared by all drivers.
type record struct {
	Version int        `json:"version"`
	Task    string     `json:"task"`
	Jobs    []*job.Job `json:"jobs"`
}

func encodeQueue(name string, jobs []*job.Job) ([]byte, error) {
	if jobs == nil {
		jobs = []*job.Job{}
	}
	b, err := json.Marshal(record{Version: recordVersion, Task: name, Jobs: jobs})
	if err != nil {
		return nil, fmt.Errorf("encode queue %q: %w", name, err)
	}
	return b, nil
}

// CheckEncodable reports whether j can be written by the drivers. Params
// holding channels, functions or non-finite floats fail here.
func CheckEncodable(j *job.Job) error {
	if _, err := json.Marshal(j); err != nil {
		return fmt.Errorf("encode job %q: %w", j.ID, err)
	}
	return nil
}

func decodeQueue(name string, b []byte) ([]*job.Job, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode queue %q: %w", name, err)
	}
	if r.Version != recordVersion {
		return nil, fmt.Errorf("decode queue %q: unsupported record version %d", name, r.Version)
	}
	out := make([]*job.Job, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("storage: task name is required")
	}
	return nil
}
