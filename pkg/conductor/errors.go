package conductor

import (
	"errors"
	"fmt"
)

// ErrStubBackend is returned when Initialize is called on a conductor whose
// backend is the stub variant, which has no connectivity to establish.
var ErrStubBackend = errors.New("conductor: stub backend cannot be initialized")

// ConnectionError reports that establishing the admin or app channel failed.
// It is fatal to the conductor; the conductor remains killable but cannot be
// re-initialized.
type ConnectionError struct {
	Conductor string
	Channel   string // "admin" or "app"
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("conductor %s: %s channel: %v", e.Conductor, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownCellError reports a cell nickname not present in the install index.
type UnknownCellError struct {
	Conductor string
	AppID     string
	CellNick  string
}

func (e *UnknownCellError) Error() string {
	return fmt.Sprintf("conductor %s: app %q has no cell named %q", e.Conductor, e.AppID, e.CellNick)
}

// UnsupportedOperationError reports an operation disabled for the current
// backend or mode. It is surfaced immediately, never silently ignored.
type UnsupportedOperationError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("conductor: %s is unsupported: %s", e.Op, e.Reason)
}

// ActivationError reports that enabling an app produced error entries even
// though the install itself succeeded. The install is not rolled back.
type ActivationError struct {
	AppID  string
	Errors []string
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("conductor: enabling app %q failed: %v", e.AppID, e.Errors)
}

// StateError reports an operation attempted from the wrong lifecycle state.
type StateError struct {
	Op   string
	Have State
	Want State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("conductor: %s requires state %s, have %s", e.Op, e.Want, e.Have)
}
