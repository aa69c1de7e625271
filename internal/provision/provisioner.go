// Package provision runs the key pair, launch and tag workflow against EC2.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/launchpad/internal/awsclient"
	"github.com/yairfalse/launchpad/internal/bootstrap"
	"github.com/yairfalse/launchpad/internal/image"
	"github.com/yairfalse/launchpad/internal/keypair"
	"github.com/yairfalse/launchpad/internal/policy"
	"github.com/yairfalse/launchpad/internal/tags"
)

// ErrNoInstance is returned when a launch call succeeds without reporting
// an instance.
var ErrNoInstance = errors.New("launch returned no instance")

// Guard is consulted before any remote call.
type Guard interface {
	Check(ctx context.Context, in policy.Input) error
}

// Provisioner creates a key pair, launches one instance with it and tags
// the instance. Steps run strictly in order and are never retried.
type Provisioner struct {
	api    awsclient.EC2API
	keys   *keypair.Manager
	images *image.Resolver

	guard    Guard
	recorder Recorder
	metrics  StepMetrics
	tracer   trace.Tracer
	logger   zerolog.Logger

	rollback    bool
	wait        WaitMode
	waitTimeout time.Duration
	now         func() time.Time
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithGuard installs a launch guard.
func WithGuard(g Guard) Option {
	return func(p *Provisioner) { p.guard = g }
}

// WithRecorder sends step events to r.
func WithRecorder(r Recorder) Option {
	return func(p *Provisioner) { p.recorder = r }
}

// WithMetrics sends step timings to m.
func WithMetrics(m StepMetrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Provisioner) { p.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithRollback enables compensation: a failed launch deletes the key pair,
// a failed wait or tagging call terminates the instance and deletes the key
// pair.
func WithRollback(enabled bool) Option {
	return func(p *Provisioner) { p.rollback = enabled }
}

// WithWait enables a bounded visibility wait between launch and tagging.
func WithWait(mode WaitMode, timeout time.Duration) Option {
	return func(p *Provisioner) {
		p.wait = mode
		p.waitTimeout = timeout
	}
}

// New creates a Provisioner. keys must be built on the same EC2 client.
func New(api awsclient.EC2API, keys *keypair.Manager, opts ...Option) *Provisioner {
	p := &Provisioner{
		api:      api,
		keys:     keys,
		images:   image.NewResolver(api),
		recorder: nopRecorder{},
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("github.com/yairfalse/launchpad/provision"),
		logger:   zerolog.Nop(),
		wait:     WaitNone,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision runs the workflow and returns the launched instance. Failures
// are *KeyPairError, *InstanceLaunchError or *TaggingError once a remote
// call has been attempted; validation and guard failures are plain errors.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	started := p.now()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	set := tags.Merge(req.Tags)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tags: %w", err)
	}
	userData, err := req.Script.Render()
	if err != nil {
		return nil, fmt.Errorf("render boot script: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "provision",
		trace.WithAttributes(
			attribute.String("aws.region", req.Region),
			attribute.String("key.name", req.KeyName),
			attribute.String("instance.type", req.InstanceType),
		))
	defer span.End()

	logger := p.logger.With().Str("key_name", req.KeyName).Logger()

	if p.guard != nil {
		if err := p.guard.Check(ctx, p.policyInput(req, set)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	var undo []compensation

	var kp *keypair.KeyPair
	_, err = p.runStep(ctx, logger, StepKeyPair, func(ctx context.Context) (string, error) {
		var err error
		kp, err = p.keys.Create(ctx, req.KeyName)
		if err != nil {
			return "", err
		}
		return kp.Name, nil
	})
	if err != nil {
		se := newStepError(StepKeyPair, err)
		if kp != nil {
			// registered remotely but the private key was lost
			p.compensate(ctx, logger, &se, []compensation{p.deleteKeyPair(kp.Name)})
		}
		return nil, &KeyPairError{se}
	}
	undo = append(undo, p.deleteKeyPair(kp.Name))

	var imageID string
	instanceID, err := p.runStep(ctx, logger, StepLaunch, func(ctx context.Context) (string, error) {
		id, err := p.images.Resolve(ctx, req.Image)
		if err != nil {
			return "", err
		}
		imageID = id
		return p.runInstance(ctx, req, kp.Name, imageID, userData)
	})
	if err != nil {
		se := newStepError(StepLaunch, err)
		p.compensate(ctx, logger, &se, undo)
		return nil, &InstanceLaunchError{se}
	}
	undo = append(undo, p.terminateInstance(instanceID))
	logger = logger.With().Str("instance_id", instanceID).Logger()

	if p.wait != WaitNone && p.wait != "" {
		_, err = p.runStep(ctx, logger, StepWait, func(ctx context.Context) (string, error) {
			return instanceID, p.waitForInstance(ctx, instanceID)
		})
		if err != nil {
			se := newStepError(StepWait, err)
			p.compensate(ctx, logger, &se, undo)
			return nil, &TaggingError{se}
		}
	}

	_, err = p.runStep(ctx, logger, StepTag, func(ctx context.Context) (string, error) {
		_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{instanceID},
			Tags:      set.EC2(),
		})
		return instanceID, err
	})
	if err != nil {
		se := newStepError(StepTag, err)
		p.compensate(ctx, logger, &se, undo)
		return nil, &TaggingError{se}
	}

	span.SetAttributes(attribute.String("instance.id", instanceID))

	return &Result{
		InstanceID:     instanceID,
		KeyName:        kp.Name,
		KeyPairID:      kp.KeyPairID,
		KeyFingerprint: kp.Fingerprint,
		PrivateKeyPath: kp.PrivateKeyPath,
		ImageID:        imageID,
		Tags:           set,
		Duration:       p.now().Sub(started),
	}, nil
}

func (p *Provisioner) policyInput(req Request, set tags.Set) policy.Input {
	return policy.Input{
		Region:       req.Region,
		Image:        req.Image.Name,
		InstanceType: req.InstanceType,
		SubnetID:     req.SubnetID,
		KeyName:      req.KeyName,
		Packages:     req.Script.Packages,
		Tags:         set.Map(),
	}
}

func (p *Provisioner) runInstance(ctx context.Context, req Request, keyName, imageID, userData string) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(req.InstanceType),
		KeyName:      aws.String(keyName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(bootstrap.Encode(userData)),
	}
	if req.SubnetID != "" {
		input.SubnetId = aws.String(req.SubnetID)
	}

	out, err := p.api.RunInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", ErrNoInstance
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (p *Provisioner) waitForInstance(ctx context.Context, instanceID string) error {
	input := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	switch p.wait {
	case WaitExists:
		return ec2.NewInstanceExistsWaiter(p.api).Wait(ctx, input, p.waitTimeout)
	case WaitRunning:
		return ec2.NewInstanceRunningWaiter(p.api).Wait(ctx, input, p.waitTimeout)
	default:
		return fmt.Errorf("unknown wait mode %q", p.wait)
	}
}

// runStep wraps one remote step with a span, events, metrics and logs.
// fn returns the id of the resource the step touched.
func (p *Provisioner) runStep(ctx context.Context, logger zerolog.Logger, step Step, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provision."+string(step))
	defer span.End()

	p.emit(step, StatusStarted, "", nil)
	logger.Debug().Ctx(ctx).Str("step", string(step)).Msg(step.Description())

	began := time.Now()
	id, err := fn(ctx)
	p.metrics.RecordStep(ctx, string(step), time.Since(began), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.emit(step, StatusFailed, id, err)
		logger.Error().Ctx(ctx).Err(err).Str("step", string(step)).Msg("step failed")
		return id, err
	}

	span.SetAttributes(attribute.String("resource.id", id))
	p.emit(step, StatusSucceeded, id, nil)
	logger.Info().Ctx(ctx).Str("step", string(step)).Str("resource_id", id).Msg("step succeeded")
	return id, nil
}

func (p *Provisioner) emit(step Step, status Status, resourceID string, err error) {
	ev := Event{
		At:         p.now().UTC(),
		Step:       step,
		Status:     status,
		ResourceID: resourceID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.recorder.Record(ev)
}

// compensation undoes one earlier remote mutation.
type compensation struct {
	name     string
	resource string
	run      func(ctx context.Context) error
}

func (p *Provisioner) deleteKeyPair(name string) compensation {
	return compensation{
		name:     "delete key pair " + name,
		resource: name,
		run: func(ctx context.Context) error {
			return p.keys.Delete(ctx, name)
		},
	}
}

func (p *Provisioner) terminateInstance(id string) compensation {
	return compensation{
		name:     "terminate instance " + id,
		resource: id,
		run: func(ctx context.Context) error {
			_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{id},
			})
			return err
		},
	}
}

// compensate runs undo in reverse order when rollback is enabled. Failures
// are attached to se and never replace its cause.
func (p *Provisioner) compensate(ctx context.Context, logger zerolog.Logger, se *StepError, undo []compensation) {
	if !p.rollback || len(undo) == 0 {
		return
	}

	// the caller's context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	ctx, span := p.tracer.Start(ctx, "provision."+string(StepRollback))
	defer span.End()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		c := undo[i]
		if err := c.run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			p.emit(StepRollback, StatusFailed, c.resource, err)
			logger.Error().Err(err).Str("resource_id", c.resource).Msg("rollback failed")
			continue
		}
		se.Compensated = append(se.Compensated, c.name)
		p.emit(StepRollback, StatusCompensated, c.resource, nil)
		logger.Warn().Str("resource_id", c.resource).Msg(c.name)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		se.CompensationErr = err
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

type nopMetrics struct{}

func (nopMetrics) RecordStep(context.Context, string, time.Duration, error) {}
