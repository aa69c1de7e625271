// Package awsclient loads AWS configuration and exposes the narrow EC2 and
// STS interfaces the rest of launchpad is written against.
package awsclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// ConfigGuideURL documents how the SDK locates credentials and regions.
const ConfigGuideURL = "https://aws.github.io/aws-sdk-go-v2/docs/configuring-sdk/"

var (
	// ErrNoCredentials is returned when no usable credentials are found.
	ErrNoCredentials = errors.New("could not locate any credentials")
	// ErrNoRegion is returned when neither config nor environment name a region.
	ErrNoRegion = errors.New("could not locate a default region")
)

// Clients bundles the service clients for one region.
type Clients struct {
	EC2    EC2API
	STS    STSAPI
	Region string
}

// Config holds AWS session settings.
type Config struct {
	Profile string
	Region  string
}

// LoadConfig loads an AWS config with optional profile and region overrides.
func LoadConfig(ctx context.Context, profile, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("%w. See %s", ErrNoRegion, ConfigGuideURL)
	}
	return cfg, nil
}

// New creates service clients for the configured region.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	awsCfg, err := LoadConfig(ctx, cfg.Profile, cfg.Region)
	if err != nil {
		return nil, err
	}

	return &Clients{
		EC2:    ec2.NewFromConfig(awsCfg),
		STS:    sts.NewFromConfig(awsCfg),
		Region: awsCfg.Region,
	}, nil
}

// CheckCredentials verifies that the session can authenticate and returns
// the caller's account id.
func CheckCredentials(ctx context.Context, api STSAPI) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("%w: %w. See %s", ErrNoCredentials, err, ConfigGuideURL)
	}
	return aws.ToString(out.Account), nil
}

// ErrorCode extracts the provider error code and message from err.
// Errors that did not come from the service return an empty code and
// err.Error() as the message.
func ErrorCode(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	return "", err.Error()
}

// IsErrorCode reports whether err carries the given provider error code.
func IsErrorCode(err error, code string) bool {
	c, _ := ErrorCode(err)
	return c != "" && c == code
}
