package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/launchpad/internal/awsclient"
	"github.com/yairfalse/launchpad/internal/bootstrap"
	"github.com/yairfalse/launchpad/internal/config"
	"github.com/yairfalse/launchpad/internal/history"
	"github.com/yairfalse/launchpad/internal/image"
	"github.com/yairfalse/launchpad/internal/keypair"
	"github.com/yairfalse/launchpad/internal/policy"
	"github.com/yairfalse/launchpad/internal/provision"
	"github.com/yairfalse/launchpad/internal/tags"
	"github.com/yairfalse/launchpad/internal/telemetry"
)

// newClients is replaced in tests.
var newClients = awsclient.New

var (
	provRegion        string
	provProfile       string
	provImageName     string
	provImageIsPublic bool
	provInstanceType  string
	provSubnetID      string
	provPackages      []string
	provTags          []string
	provKeySource     string
	provKeyDir        string
	provFormat        string
	provWait          string
	provWaitTimeout   time.Duration
	provRollback      bool
	provPolicy        string
	provNoHistory     bool
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision [key-name]",
	Short: "Create a key pair, launch an instance and tag it",
	Long: `Create an SSH key pair, launch one EC2 instance that installs the
configured packages on first boot, then tag the instance.

The private key is written to <key-dir>/<key-name>.pem. When no key name
is given one is generated from the current time.

By default nothing is undone on failure: a failed launch leaves the key
pair, a failed tagging call leaves the instance running untagged. Use
--rollback to clean up instead.`,
	Example: `  launchpad provision aws-key
  launchpad aws-key -i my-image -t t3.small -p httpd -p git
  launchpad provision --wait running --rollback
  launchpad provision --tag Owner=ops --tag Project=Demo`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	addProvisionFlags(provisionCmd)
}

// addProvisionFlags registers the provisioning flags on cmd. The root
// command carries them too so the subcommand name can be omitted.
func addProvisionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&provRegion, "region", "r", "", "AWS region (default us-east-1)")
	f.StringVar(&provProfile, "profile", "", "AWS shared config profile")
	f.StringVarP(&provImageName, "image-name", "i", "", "Image name or ami- id (default jobcase-test-app)")
	f.BoolVarP(&provImageIsPublic, "image-is-public", "u", false, "Look the image up among public images")
	f.StringVarP(&provInstanceType, "instance-type", "t", "", "Instance type (default t2.micro)")
	f.StringVarP(&provSubnetID, "subnet-id", "s", "", "Subnet to launch into")
	f.StringSliceVarP(&provPackages, "packages", "p", nil, "Packages to install at first boot (repeatable or comma separated)")
	f.StringArrayVar(&provTags, "tag", nil, "Tag as key=value (repeatable, replaces configured tags)")
	f.StringVar(&provKeySource, "key-source", "", "Key source: aws or local")
	f.StringVar(&provKeyDir, "key-dir", "", "Directory for the private key (default ~/.ssh)")
	f.StringVar(&provFormat, "format", "", "Boot script format: shell or cloud-config")
	f.StringVar(&provWait, "wait", "", "Wait before tagging: none, exists or running")
	f.DurationVar(&provWaitTimeout, "wait-timeout", 0, "Maximum wait before tagging (default 5m)")
	f.BoolVar(&provRollback, "rollback", false, "Undo earlier steps when a later step fails")
	f.StringVar(&provPolicy, "policy", "", "Rego launch guard file")
	f.BoolVar(&provNoHistory, "no-history", false, "Do not record this run")
}

// applyProvisionFlags copies every flag the user set over cfg.
func applyProvisionFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("region") {
		cfg.AWS.Region = provRegion
	}
	if flags.Changed("profile") {
		cfg.AWS.Profile = provProfile
	}
	if flags.Changed("image-name") {
		cfg.Instance.ImageName = provImageName
	}
	if flags.Changed("image-is-public") {
		cfg.Instance.ImageIsPublic = provImageIsPublic
	}
	if flags.Changed("instance-type") {
		cfg.Instance.Type = provInstanceType
	}
	if flags.Changed("subnet-id") {
		cfg.Instance.SubnetID = provSubnetID
	}
	if flags.Changed("packages") {
		cfg.Bootstrap.Packages = provPackages
	}
	if flags.Changed("tag") {
		parsed, err := parseTags(provTags)
		if err != nil {
			return err
		}
		cfg.Tags = parsed
	}
	if flags.Changed("key-source") {
		cfg.Key.Source = provKeySource
	}
	if flags.Changed("key-dir") {
		cfg.Key.Dir = provKeyDir
	}
	if flags.Changed("format") {
		cfg.Bootstrap.Format = provFormat
	}
	if flags.Changed("wait") {
		cfg.Provision.Wait = provWait
	}
	if flags.Changed("wait-timeout") {
		cfg.Provision.WaitTimeout = provWaitTimeout
	}
	if flags.Changed("rollback") {
		cfg.Provision.Rollback = provRollback
	}
	if flags.Changed("policy") {
		cfg.Policy.File = provPolicy
	}
	if flags.Changed("no-history") {
		cfg.History.Disabled = provNoHistory
	}
	return nil
}

func parseTags(pairs []string) ([]config.TagConfig, error) {
	out := make([]config.TagConfig, 0, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid tag %q: want key=value", pair)
		}
		out = append(out, config.TagConfig{Key: key, Value: value})
	}
	return out, nil
}

// buildRequest turns a validated config into a provisioning request.
func buildRequest(cfg *config.Config, keyName string) (provision.Request, error) {
	script, err := bootstrap.NewScript(
		bootstrap.Format(cfg.Bootstrap.Format),
		cfg.Bootstrap.Packages,
		cfg.Bootstrap.PackageManager,
	)
	if err != nil {
		return provision.Request{}, err
	}

	pairs := make([]tags.Tag, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		pairs = append(pairs, tags.Tag{Key: t.Key, Value: t.Value})
	}

	return provision.Request{
		Region:       cfg.AWS.Region,
		KeyName:      keyName,
		Image:        image.Ref{Name: cfg.Instance.ImageName, IsPublic: cfg.Instance.ImageIsPublic},
		InstanceType: cfg.Instance.Type,
		SubnetID:     cfg.Instance.SubnetID,
		Script:       script,
		Tags:         pairs,
	}, nil
}

func resolveKeyName(args []string, cfg *config.Config, now time.Time) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if cfg.Key.Name != "" {
		return cfg.Key.Name
	}
	return provision.DefaultKeyName(now)
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyProvisionFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tel, err := telemetry.NewProvider(ctx, cfg.OTEL, cfg.Pushgateway)
	if err != nil {
		return err
	}
	defer flushTelemetry(tel, logger)

	req, err := buildRequest(cfg, resolveKeyName(args, cfg, time.Now()))
	if err != nil {
		return err
	}

	clients, err := newClients(ctx, awsclient.Config{Profile: cfg.AWS.Profile, Region: cfg.AWS.Region})
	if err != nil {
		return err
	}
	account, err := awsclient.CheckCredentials(ctx, clients.STS)
	if err != nil {
		return err
	}

	keyDir, err := config.ExpandPath(cfg.Key.Dir)
	if err != nil {
		return err
	}
	keys := keypair.NewManager(clients.EC2, keyDir,
		keypair.WithSource(keypair.Source(cfg.Key.Source)),
		keypair.WithBits(cfg.Key.Bits),
		keypair.WithLogger(logger),
	)

	opts := []provision.Option{
		provision.WithLogger(logger),
		provision.WithMetrics(tel),
		provision.WithTracer(tel.Tracer()),
		provision.WithRollback(cfg.Provision.Rollback),
		provision.WithWait(provision.WaitMode(cfg.Provision.Wait), cfg.Provision.WaitTimeout),
	}

	if cfg.Policy.File != "" {
		guard, err := policy.Load(ctx, cfg.Policy.File)
		if err != nil {
			return err
		}
		opts = append(opts, provision.WithGuard(guard))
	}

	store, record := openHistory(cfg, req, logger)
	if store != nil {
		defer store.Close()
		opts = append(opts, provision.WithRecorder(record))
	}

	logger.Info().
		Str("account", account).
		Str("region", clients.Region).
		Str("key_name", req.KeyName).
		Str("image", req.Image.Name).
		Str("instance_type", req.InstanceType).
		Msg("launchpad starting")

	p := provision.New(clients.EC2, keys, opts...)
	res, err := provisionUntilSignal(ctx, p, req)

	if store != nil {
		record.Finish(time.Now(), res, err)
		if saveErr := store.Save(record); saveErr != nil {
			logger.Warn().Err(saveErr).Msg("failed to record run")
		}
	}
	if err != nil {
		return err
	}

	logger.Info().
		Str("instance_id", res.InstanceID).
		Str("private_key", res.PrivateKeyPath).
		Str("fingerprint", res.KeyFingerprint).
		Str("tags", res.Tags.String()).
		Dur("duration", res.Duration).
		Msg("instance provisioned")

	fmt.Fprintf(cmd.OutOrStdout(), "%s created successfully.\n", res.InstanceID)
	return nil
}

// provisionUntilSignal runs the provisioner next to a signal handler.
// SIGINT or SIGTERM cancels the in-flight AWS call; the provisioner's own
// error wins over the signal when both are present.
func provisionUntilSignal(ctx context.Context, p *provision.Provisioner, req provision.Request) (*provision.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res     *provision.Result
		provErr error
	)

	var g run.Group
	g.Add(func() error {
		res, provErr = p.Provision(ctx, req)
		return provErr
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	if provErr != nil {
		return nil, provErr
	}
	var sigErr run.SignalError
	if res != nil && errors.As(err, &sigErr) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// openHistory opens the run history. History is best effort: a store that
// cannot be opened is logged and skipped.
func openHistory(cfg *config.Config, req provision.Request, logger zerolog.Logger) (*history.Store, *history.Run) {
	if cfg.History.Disabled {
		return nil, nil
	}
	path, err := config.ExpandPath(cfg.History.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("history disabled")
		return nil, nil
	}
	store, err := history.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("history disabled")
		return nil, nil
	}
	return store, history.NewRun(time.Now(), req)
}

func flushTelemetry(tel *telemetry.Provider, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tel.Push(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to push metrics")
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Debug().Err(err).Msg("telemetry shutdown")
	}
}
