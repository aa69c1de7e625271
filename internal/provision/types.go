package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/launchpad/internal/bootstrap"
	"github.com/yairfalse/launchpad/internal/image"
	"github.com/yairfalse/launchpad/internal/tags"
)

// Step identifies one remote stage of the workflow.
type Step string

const (
	StepKeyPair  Step = "key_pair"
	StepLaunch   Step = "launch"
	StepWait     Step = "wait"
	StepTag      Step = "tag"
	StepRollback Step = "rollback"
)

var stepDescriptions = map[Step]string{
	StepKeyPair:  "create key pair",
	StepLaunch:   "launch instance",
	StepWait:     "wait for instance",
	StepTag:      "tag instance",
	StepRollback: "rollback",
}

// Description is the human form used in error messages.
func (s Step) Description() string {
	if d, ok := stepDescriptions[s]; ok {
		return d
	}
	return string(s)
}

// Status is the outcome recorded for a step.
type Status string

const (
	StatusStarted     Status = "started"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// WaitMode selects the optional visibility wait between launch and tagging.
type WaitMode string

const (
	WaitNone    WaitMode = "none"
	WaitExists  WaitMode = "exists"
	WaitRunning WaitMode = "running"
)

// Request is everything needed for one provisioning run.
type Request struct {
	Region       string
	KeyName      string
	Image        image.Ref
	InstanceType string
	SubnetID     string
	Script       *bootstrap.Script
	Tags         []tags.Tag
}

// maxKeyNameLength is the EC2 limit for key pair names.
const maxKeyNameLength = 255

// Validate checks the request before any remote call is made.
func (r Request) Validate() error {
	if r.KeyName == "" {
		return errors.New("key name required")
	}
	if len(r.KeyName) > maxKeyNameLength {
		return fmt.Errorf("key name too long: %d (max %d)", len(r.KeyName), maxKeyNameLength)
	}
	if r.Image.Name == "" {
		return errors.New("image required")
	}
	if r.InstanceType == "" {
		return errors.New("instance type required")
	}
	if r.Script == nil {
		return errors.New("boot script required")
	}
	return nil
}

// DefaultKeyName generates a key pair name from t.
func DefaultKeyName(t time.Time) string {
	return "launchpad-" + t.UTC().Format("20060102-150405")
}

// Result describes a successfully provisioned instance.
type Result struct {
	InstanceID     string
	KeyName        string
	KeyPairID      string
	KeyFingerprint string
	PrivateKeyPath string
	ImageID        string
	Tags           tags.Set
	Duration       time.Duration
}

// Event is a single step transition.
type Event struct {
	At         time.Time `json:"at"`
	Step       Step      `json:"step"`
	Status     Status    `json:"status"`
	ResourceID string    `json:"resource_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Recorder receives step events as they happen.
type Recorder interface {
	Record(ev Event)
}

// StepMetrics receives per-step timings.
type StepMetrics interface {
	RecordStep(ctx context.Context, step string, d time.Duration, err error)
}
