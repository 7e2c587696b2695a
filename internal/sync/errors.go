package sync

import "fmt"

// TransportError is a peer-send or cloud-save failure. Non-fatal: the message
// regresses to pending and the sweep retries it.
type TransportError struct {
	Transport string // "peer" or "cloud"
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SyncError is a per-message failure inside the recovery sweep. It is logged
// and counted, never surfaced to callers; the message stays pending.
type SyncError struct {
	MessageID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.MessageID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
