package provision

import (
	"errors"
	"strings"

	"github.com/yairfalse/launchpad/internal/awsclient"
)

// StepError is the common shape of the three failure kinds. Code and
// Message come from the provider when the failure was an API error.
type StepError struct {
	Step    Step
	Code    string
	Message string
	Err     error

	// Compensated lists the undo actions that succeeded after the failure.
	Compensated []string
	// CompensationErr holds undo actions that failed.
	CompensationErr error
}

func newStepError(step Step, err error) StepError {
	code, msg := awsclient.ErrorCode(err)
	return StepError{Step: step, Code: code, Message: msg, Err: err}
}

func (e *StepError) Error() string {
	var b strings.Builder
	b.WriteString(e.Step.Description())
	b.WriteString(": ")
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Compensated) > 0 {
		b.WriteString(" (rolled back: ")
		b.WriteString(strings.Join(e.Compensated, ", "))
		b.WriteString(")")
	}
	if e.CompensationErr != nil {
		b.WriteString(" (rollback failed: ")
		b.WriteString(e.CompensationErr.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// KeyPairError reports a failed key pair creation. Nothing else was attempted.
type KeyPairError struct{ StepError }

// InstanceLaunchError reports a failed image lookup or launch. The key pair
// remains unless rollback is enabled.
type InstanceLaunchError struct{ StepError }

// TaggingError reports a failed tagging call (or visibility wait). The
// instance remains running and untagged unless rollback is enabled.
type TaggingError struct{ StepError }

// AsStepError returns the StepError inside any of the three kinds.
func AsStepError(err error) (*StepError, bool) {
	var kp *KeyPairError
	if errors.As(err, &kp) {
		return &kp.StepError, true
	}
	var le *InstanceLaunchError
	if errors.As(err, &le) {
		return &le.StepError, true
	}
	var te *TaggingError
	if errors.As(err, &te) {
		return &te.StepError, true
	}
	return nil, false
}
