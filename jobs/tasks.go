package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsistencyAudit re-derives summary totals and reports drift.
	TaskConsistencyAudit = "billing:consistency_audit"
)

// ConsistencyAuditPayload scopes one audit run. A zero SummaryID means
// "scan every summary".
type ConsistencyAuditPayload struct {
	SummaryID int64 `json:"summary_id,omitempty"`
}

// NewConsistencyAuditTask constructs an Asynq task.
func NewConsistencyAuditTask(payload ConsistencyAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsistencyAudit, data), nil
}
