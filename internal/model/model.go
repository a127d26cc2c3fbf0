// Package model defines the wire and storage shapes shared by every
// component (SPEC_FULL.md §3).
package model

// Status is a request-state or lifecycle status value.
type Status string

const (
	StatusReceived  Status = "received"
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusCompleted is accepted as a synonym for StatusSucceeded on read
	// (Open Question 2, resolved in DESIGN.md): some older writer might
	// have used it. IsTerminal/IsSuccess treat it as success, and the status
	// endpoint reports it as StatusSucceeded.
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether s is a terminal request-state status.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCompleted
}

// IsSuccess reports whether s denotes successful completion, treating
// "completed" as a synonym for "succeeded".
func (s Status) IsSuccess() bool {
	return s == StatusSucceeded || s == StatusCompleted
}

// TaskStatus is the status carried on a task-update record.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// LifecycleStatus enumerates the event names published on the lifecycle
// stream, following the partial order in SPEC_FULL.md §3 invariant 2.
type LifecycleStatus string

const (
	LifecycleReceived       LifecycleStatus = "received"
	LifecycleStarted        LifecycleStatus = "started"
	LifecycleGroupStarted   LifecycleStatus = "group_started"
	LifecycleGroupCompleted LifecycleStatus = "group_completed"
	LifecycleSucceeded      LifecycleStatus = "succeeded"
	LifecycleFailed         LifecycleStatus = "failed"
)

// RequestEnvelope is the ingress-stream handoff record from F's HTTP edge
// to its own background ingress consumer.
type RequestEnvelope struct {
	RequestID    string `json:"requestId"`
	XMLKey       string `json:"xmlKey"`
	ResponseKey  string `json:"responseKey"`
	MetadataKey  string `json:"metadataKey,omitempty"`
	GroupCount   int    `json:"groupCount,omitempty"`
	SubmittedAt  int64  `json:"submittedAt"`
}

// InvokeEvent is the expansion's replacement for a direct Lambda-style
// invocation (SPEC_FULL.md §2): it hands a claimed request off to whichever
// orchestrator process instance claims it from the `orchestrators` group.
type InvokeEvent struct {
	RequestID      string `json:"requestId"`
	XMLKey         string `json:"xmlKey"`
	ResponseKey    string `json:"responseKey"`
	MetadataKey    string `json:"metadataKey,omitempty"`
	GroupCount     int    `json:"groupCount,omitempty"`
	ExecutionToken string `json:"executionToken"`
}

// RequestState is the mapping keyed by requestId (SPEC_FULL.md §3).
type RequestState struct {
	RequestID    string
	Status       Status
	XMLKey       string
	ResponseKey  string
	MetadataKey  string
	GroupCount   int
	CurrentGroup int
	RetryCount   int
	ReceivedAt   int64
	SubmittedAt  int64
	CompletedAt  int64 // zero means unset
}

// GroupState is the mapping keyed by (requestId, groupIdx).
type GroupState struct {
	Expected  int
	Completed int
	Failed    int
	Status    string // "running" | "completed" | "failed"
}

// LifecycleEvent is a stream record broadcast for fan-out to waiters and
// observers; readers filter by RequestID because the stream is shared.
type LifecycleEvent struct {
	RequestID string          `json:"requestId"`
	Status    LifecycleStatus `json:"status"`
	At        int64           `json:"at"`
	GroupIdx  *int            `json:"groupIdx,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// TaskDispatchEvent is emitted once per task attempt.
type TaskDispatchEvent struct {
	RequestID  string `json:"requestId"`
	GroupIdx   int    `json:"groupIdx"`
	TaskID     string `json:"taskId"`
	PayloadKey string `json:"payloadKey"`
	ResultKey  string `json:"resultKey"`
	Attempt    int    `json:"attempt"`
}

// TaskUpdateEvent is published by a worker after executing (or failing to
// execute) one task attempt.
type TaskUpdateEvent struct {
	RequestID   string     `json:"requestId"`
	GroupIdx    int        `json:"groupIdx"`
	TaskID      string     `json:"taskId"`
	Status      TaskStatus `json:"status"`
	ResultKey   string     `json:"resultKey,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// FailureDetail is the JSON payload written to cache:request:<id>:failure.
type FailureDetail struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	GroupIdx  int    `json:"groupIdx,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Err       string `json:"error,omitempty"`
}
