package task

import "encoding/json"

// ToolPayload is recorded on tool.called and tool.result events.
type ToolPayload struct {
	Tool    string            `json:"tool"`
	Args    map[string]string `json:"args,omitempty"`
	Outcome string            `json:"outcome,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// CheckpointPayload is recorded on checkpoint.created events. Status is the
// folded status at Seq so recovery can resume without replaying earlier events.
type CheckpointPayload struct {
	Seq    int64  `json:"seq"`
	Status Status `json:"status"`
}

// ApprovalPayload is recorded on approval.requested/granted/denied events.
type ApprovalPayload struct {
	ApprovalID string `json:"approval_id"`
	Tool       string `json:"tool"`
	Risk       string `json:"risk,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BlockPayload is recorded on task.blocked events.
type BlockPayload struct {
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// MarshalPayload encodes a payload struct for storage on an Event.
func MarshalPayload(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// UnmarshalPayload decodes a stored event payload. Empty payloads decode to
// the zero value.
func UnmarshalPayload(payload string, v any) error {
	if payload == "" || payload == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(payload), v)
}
