// Package keypair creates EC2 key pairs and stores their private key
// material locally as <dir>/<name>.pem.
package keypair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/launchpad/internal/awsclient"
)

// Source selects where the key material is generated.
type Source string

const (
	// SourceAWS lets EC2 generate the key and return the private half once.
	SourceAWS Source = "aws"
	// SourceLocal generates the key locally and imports the public half.
	SourceLocal Source = "local"
)

// Provider error code for a name that is already taken.
const codeDuplicate = "InvalidKeyPair.Duplicate"

var (
	// ErrKeyPairExists is returned when the name is already registered in the region.
	ErrKeyPairExists = errors.New("key pair already exists")
	// ErrKeyFileExists is returned when the local key file would be overwritten.
	ErrKeyFileExists = errors.New("local key file already exists")
	// ErrMaterialNotSaved is returned when the key was registered but its
	// private half could not be written locally.
	ErrMaterialNotSaved = errors.New("private key material not saved")
)

// KeyPair describes a registered key pair. The private material lives only
// in the file at PrivateKeyPath.
type KeyPair struct {
	Name           string
	KeyPairID      string
	Fingerprint    string
	PrivateKeyPath string
}

// Manager creates and deletes key pairs.
type Manager struct {
	api    awsclient.KeyPairAPI
	dir    string
	source Source
	bits   int
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSource sets where key material is generated.
func WithSource(s Source) Option {
	return func(m *Manager) { m.source = s }
}

// WithBits sets the RSA key size for locally generated keys.
func WithBits(bits int) Option {
	return func(m *Manager) { m.bits = bits }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager writing private keys into dir.
func NewManager(api awsclient.KeyPairAPI, dir string, opts ...Option) *Manager {
	m := &Manager{
		api:    api,
		dir:    dir,
		source: SourceAWS,
		bits:   4096,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KeyPath returns the local path of the private key for name.
func (m *Manager) KeyPath(name string) string {
	return filepath.Join(m.dir, name+".pem")
}

// Create registers a key pair named name and saves its private key.
//
// If the key was registered but the file write failed, Create returns the
// KeyPair together with an error wrapping ErrMaterialNotSaved so the caller
// can decide whether to delete it.
func (m *Manager) Create(ctx context.Context, name string) (*KeyPair, error) {
	path := m.KeyPath(name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyFileExists, path)
	}

	switch m.source {
	case SourceLocal:
		return m.importLocal(ctx, name, path)
	case SourceAWS:
		return m.createRemote(ctx, name, path)
	default:
		return nil, fmt.Errorf("unknown key source %q", m.source)
	}
}

func (m *Manager) createRemote(ctx context.Context, name, path string) (*KeyPair, error) {
	out, err := m.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(name),
		KeyType:   ec2types.KeyTypeRsa,
		KeyFormat: ec2types.KeyFormatPem,
	})
	if err != nil {
		return nil, classify(err)
	}

	kp := &KeyPair{
		Name:           aws.ToString(out.KeyName),
		KeyPairID:      aws.ToString(out.KeyPairId),
		Fingerprint:    aws.ToString(out.KeyFingerprint),
		PrivateKeyPath: path,
	}
	if kp.Name == "" {
		kp.Name = name
	}

	if err := writePrivateKey(path, []byte(aws.ToString(out.KeyMaterial))); err != nil {
		return kp, fmt.Errorf("%w: %w", ErrMaterialNotSaved, err)
	}

	m.logger.Debug().
		Str("key_name", kp.Name).
		Str("key_pair_id", kp.KeyPairID).
		Str("fingerprint", kp.Fingerprint).
		Str("path", path).
		Msg("key pair created")

	return kp, nil
}

func (m *Manager) importLocal(ctx context.Context, name, path string) (*KeyPair, error) {
	generated, err := GenerateRSAKeyPair(m.bits)
	if err != nil {
		return nil, err
	}

	if err := writePrivateKey(path, generated.PrivateKey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaterialNotSaved, err)
	}

	out, err := m.api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: generated.PublicKey,
	})
	if err != nil {
		// nothing was registered; drop the orphaned private key
		_ = os.Remove(path)
		return nil, classify(err)
	}

	kp := &KeyPair{
		Name:           aws.ToString(out.KeyName),
		KeyPairID:      aws.ToString(out.KeyPairId),
		Fingerprint:    aws.ToString(out.KeyFingerprint),
		PrivateKeyPath: path,
	}
	if kp.Name == "" {
		kp.Name = name
	}

	m.logger.Debug().
		Str("key_name", kp.Name).
		Str("key_pair_id", kp.KeyPairID).
		Str("fingerprint", kp.Fingerprint).
		Str("path", path).
		Msg("key pair imported")

	return kp, nil
}

// Delete removes the key pair from EC2 and its local private key.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if _, err := m.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)}); err != nil {
		return fmt.Errorf("delete key pair %s: %w", name, err)
	}
	if err := os.Remove(m.KeyPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove key file: %w", err)
	}
	return nil
}

func classify(err error) error {
	if awsclient.IsErrorCode(err, codeDuplicate) {
		return fmt.Errorf("%w: %w", ErrKeyPairExists, err)
	}
	return err
}

func writePrivateKey(path string, material []byte) error {
	if len(material) == 0 {
		return errors.New("empty key material")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	// O_EXCL: never clobber a key written by someone else in the meantime
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	if _, err := f.Write(material); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}
