package store

import "fmt"

// Keys builds the key layout from SPEC_FULL.md §6, prefixed the same way
// the teacher's Queue.StreamKey/ScheduledKey/DeadLetterKey build theirs.
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "vnml"
	}
	return Keys{Prefix: prefix}
}

func (k Keys) RequestXML(requestID string) string {
	return fmt.Sprintf("cache:%s:request:%s:xml", k.Prefix, requestID)
}

func (k Keys) RequestResponse(requestID string) string {
	return fmt.Sprintf("cache:%s:request:%s:response", k.Prefix, requestID)
}

func (k Keys) RequestMetadata(requestID string) string {
	return fmt.Sprintf("cache:%s:request:%s:metadata", k.Prefix, requestID)
}

func (k Keys) RequestFailure(requestID string) string {
	return fmt.Sprintf("cache:%s:request:%s:failure", k.Prefix, requestID)
}

func (k Keys) TaskXML(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:%s:task:%s:%d:%s:xml", k.Prefix, requestID, groupIdx, taskID)
}

func (k Keys) TaskResult(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:%s:task:%s:%d:%s:result", k.Prefix, requestID, groupIdx, taskID)
}

// TaskResultAttempt is TaskResult's companion marker recording which
// attempt last wrote the result, so a stale attempt reclaimed from a
// crashed peer's PEL can never clobber a later attempt's already-stored
// bytes (see PutResultIfNewer).
func (k Keys) TaskResultAttempt(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:%s:task:%s:%d:%s:result:attempt", k.Prefix, requestID, groupIdx, taskID)
}

func (k Keys) RequestState(requestID string) string {
	return fmt.Sprintf("state:%s:request:%s", k.Prefix, requestID)
}

func (k Keys) GroupState(requestID string, groupIdx int) string {
	return fmt.Sprintf("state:%s:request:%s:group:%d", k.Prefix, requestID, groupIdx)
}

// GroupDone is the per-group set of task IDs already counted toward
// completed/failed, used to make RecordTaskCompleted/RecordTaskFailed immune
// to redelivery of the same terminal task-update record.
func (k Keys) GroupDone(requestID string, groupIdx int) string {
	return fmt.Sprintf("state:%s:request:%s:group:%d:done", k.Prefix, requestID, groupIdx)
}

func (k Keys) Idempotency(idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", k.Prefix, idempotencyKey)
}

func (k Keys) StreamIngest() string {
	return fmt.Sprintf("stream:%s:request:ingest", k.Prefix)
}

func (k Keys) StreamInvoke() string {
	return fmt.Sprintf("stream:%s:request:invoke", k.Prefix)
}

func (k Keys) StreamLifecycle() string {
	return fmt.Sprintf("stream:%s:request:lifecycle", k.Prefix)
}

func (k Keys) StreamTaskDispatch() string {
	return fmt.Sprintf("stream:%s:task:dispatch", k.Prefix)
}

func (k Keys) StreamTaskUpdates() string {
	return fmt.Sprintf("stream:%s:task:updates", k.Prefix)
}

// RequestConsumerGroup is the per-request consumer group name on the
// task-update stream (SPEC_FULL.md §9, "req::<requestId>").
func RequestConsumerGroup(requestID string) string {
	return "req::" + requestID
}
