package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

const (
	classicalKeyBits = 4096

	// TagClassical labels signatures carrying only the RSA-PSS component.
	TagClassical = "rsa4096-pss-sha512"
	// TagHybrid labels signatures carrying both the RSA-PSS and ML-DSA-65 components.
	TagHybrid = "rsa4096-pss-sha512+ml-dsa-65"

	versionClassical = "v1"
	versionHybrid    = "v2"
)

// Service signs canonical payload strings with RSA-4096 PSS over SHA-512 and,
// when the post-quantum capability is enabled at construction, additionally
// with ML-DSA-65. The capability is fixed for the lifetime of the service and
// recorded in every blob's version suffix, so historical signatures stay
// verifiable after the deployment's algorithm set changes.
type Service struct {
	classical *rsa.PrivateKey
	pqPublic  *mldsa65.PublicKey
	pqPrivate *mldsa65.PrivateKey
}

type config struct {
	classical   *rsa.PrivateKey
	postQuantum bool
}

type Option func(*config)

// WithClassicalKey injects a pre-generated RSA key instead of generating a
// fresh 4096-bit one. Intended for tests and key-management integrations.
func WithClassicalKey(key *rsa.PrivateKey) Option {
	return func(c *config) {
		c.classical = key
	}
}

// WithPostQuantum enables the ML-DSA-65 component.
func WithPostQuantum() Option {
	return func(c *config) {
		c.postQuantum = true
	}
}

func NewService(opts ...Option) (*Service, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	key := cfg.classical
	if key == nil {
		generated, err := rsa.GenerateKey(rand.Reader, classicalKeyBits)
		if err != nil {
			return nil, fmt.Errorf("signature: generate classical key: %w", err)
		}
		key = generated
	}

	svc := &Service{classical: key}

	if cfg.postQuantum {
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signature: generate post-quantum key: %w", err)
		}
		svc.pqPublic = pub
		svc.pqPrivate = priv
	}

	return svc, nil
}

// PostQuantum reports whether the ML-DSA-65 component is configured.
func (s *Service) PostQuantum() bool {
	return s.pqPrivate != nil
}

// AlgorithmTag names the scheme set baked into blobs produced by Sign.
func (s *Service) AlgorithmTag() string {
	if s.PostQuantum() {
		return TagHybrid
	}
	return TagClassical
}

// ClassicalKey exposes the RSA key for components that issue other signed
// artifacts with the same service identity (e.g. verification attestations).
func (s *Service) ClassicalKey() *rsa.PrivateKey {
	return s.classical
}

// Sign produces a version-tagged signature blob over payload.
//
// Blob format v2: pq:<hex>|classical:<hex>|v2
// Blob format v1: classical:<hex>|v1
func (s *Service) Sign(payload string) (string, error) {
	digest := sha512.Sum512([]byte(payload))

	classicalSig, err := rsa.SignPSS(rand.Reader, s.classical, crypto.SHA512, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA512,
	})
	if err != nil {
		return "", fmt.Errorf("signature: classical sign: %w", err)
	}

	if s.pqPrivate != nil {
		// crypto.Hash(0) selects pure ML-DSA over the raw payload.
		pqSig, err := s.pqPrivate.Sign(rand.Reader, []byte(payload), crypto.Hash(0))
		if err != nil {
			return "", fmt.Errorf("signature: post-quantum sign: %w", err)
		}
		return fmt.Sprintf("pq:%s|classical:%s|%s",
			hex.EncodeToString(pqSig), hex.EncodeToString(classicalSig), versionHybrid), nil
	}

	return fmt.Sprintf("classical:%s|%s", hex.EncodeToString(classicalSig), versionClassical), nil
}

// Verify checks blob against payload. The classical component is always
// verified; the post-quantum component is verified when the blob carries one
// and the service holds the corresponding public key. Malformed or
// unparseable blobs report false, never an error.
func (s *Service) Verify(payload, blob string) bool {
	parts := strings.Split(blob, "|")
	if len(parts) < 2 {
		return false
	}

	version := parts[len(parts)-1]
	if version != versionClassical && version != versionHybrid {
		return false
	}

	classicalHex, ok := componentValue(parts, "classical:")
	if !ok {
		return false
	}
	classicalSig, err := hex.DecodeString(classicalHex)
	if err != nil {
		return false
	}

	digest := sha512.Sum512([]byte(payload))
	if err := rsa.VerifyPSS(&s.classical.PublicKey, crypto.SHA512, digest[:], classicalSig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA512,
	}); err != nil {
		return false
	}

	if version == versionHybrid && s.pqPublic != nil {
		pqHex, ok := componentValue(parts, "pq:")
		if !ok {
			return false
		}
		pqSig, err := hex.DecodeString(pqHex)
		if err != nil {
			return false
		}
		if !mldsa65.Verify(s.pqPublic, []byte(payload), nil, pqSig) {
			return false
		}
	}

	return true
}

func componentValue(parts []string, prefix string) (string, bool) {
	for _, part := range parts {
		if strings.HasPrefix(part, prefix) {
			return strings.TrimPrefix(part, prefix), true
		}
	}
	return "", false
}
