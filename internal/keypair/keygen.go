package keypair

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Generated holds a locally generated RSA key pair.
type Generated struct {
	// PrivateKey is PEM-encoded PKCS#1, the format EC2 itself hands out.
	PrivateKey []byte
	// PublicKey is in OpenSSH authorized_keys format, as ImportKeyPair expects.
	PublicKey []byte
}

// GenerateRSAKeyPair generates a new RSA key pair with the given bit size.
func GenerateRSAKeyPair(bits int) (*Generated, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	if err := privateKey.Validate(); err != nil {
		return nil, fmt.Errorf("validate rsa key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("create ssh public key: %w", err)
	}

	return &Generated{
		PrivateKey: privateKeyPEM,
		PublicKey:  ssh.MarshalAuthorizedKey(publicKey),
	}, nil
}
