// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// EventRecorder receives opaque structured events from the sync core.
// The core behaves identically whether a recorder is wired, absent or
// failing; Emit is the only entry point the core uses.
type EventRecorder interface {
	Record(event string, fields map[string]interface{})
}

const (
	EventSessionStart    = "session.start"
	EventSessionComplete = "session.complete"
	EventFolderProcessed = "folder.processed"
	EventBatchPersisted  = "batch.persisted"
	EventCursorAdvanced  = "cursor.advanced"
	EventCursorReset     = "cursor.reset"
	EventRebuildStarted  = "index.rebuild"
	EventRetryAttempted  = "session.retry"
	EventBreakerOpened   = "breaker.opened"
	EventBreakerClosed   = "breaker.closed"
)

// Emit records an event on r, tolerating a nil or panicking recorder.
func Emit(r EventRecorder, event string, fields map[string]interface{}) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	r.Record(event, fields)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Record(string, map[string]interface{}) {}
