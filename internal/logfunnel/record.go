package logfunnel

import (
	"encoding/json"
	"time"
)

// Record is one structured log event. It is immutable once created and is
// serialized as one JSON object per line:
//
//	{"timestamp":"...","level":"DEBUG","logger":"cropjob","message":"...","trace_id":"3"}
//
// trace_id is absent for engine-level events.
type Record struct {
	Time    time.Time `json:"timestamp"`
	Level   string    `json:"level"`
	Logger  string    `json:"logger"`
	Message string    `json:"message"`
	TraceID string    `json:"trace_id,omitempty"`
}

// ParseRecord decodes one serialized line.
func ParseRecord(line []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(line, &rec)
	return rec, err
}
