package session

import "fmt"

// FaultKind classifies a session failure by the phase it arose in,
// which decides how it is handled: provisioning and connect faults end
// the attempt, microphone and toggle faults leave the session running,
// cleanup faults are logged and absorbed.
type FaultKind string

const (
	FaultProvisioning FaultKind = "provisioning"
	FaultConnect      FaultKind = "connect"
	FaultMicrophone   FaultKind = "microphone"
	FaultToggle       FaultKind = "toggle"
	FaultCleanup      FaultKind = "cleanup"
)

// Fault pairs a short user-facing message with the underlying cause.
// The message is what surfaces in the UI; the cause goes to the log.
type Fault struct {
	Kind    FaultKind
	Message string
	Cause   error
}

func newFault(kind FaultKind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }
