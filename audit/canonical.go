package audit

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// timestampLayout pins hash input timestamps to microsecond UTC so values
// round-trip byte-identically through timestamptz columns.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// canonicalPayload serializes payload as RFC 8785 canonical JSON: sorted keys,
// fixed number formatting, platform-independent.
func canonicalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	return string(canonical), nil
}

// canonicalString builds the exact byte sequence that is hashed and signed for
// an entry: subject_id|type|timestamp|canonical(payload)|prev_hash.
func canonicalString(subjectID, eventType string, ts time.Time, payload map[string]any, prevHash string) (string, error) {
	canonical, err := canonicalPayload(payload)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		subjectID,
		eventType,
		ts.UTC().Format(timestampLayout),
		canonical,
		prevHash,
	}, "|"), nil
}

// Supported link digest algorithms. Both produce 512-bit digests; a
// deployment fixes one at chain construction and applies it uniformly.
const (
	HashSHA512  = "sha512"
	HashBLAKE2b = "blake2b-512"
)

// Hasher computes the hex-encoded link digest of a canonical string.
type Hasher func(string) string

func NewHasher(algorithm string) (Hasher, error) {
	switch algorithm {
	case "", HashSHA512:
		return func(s string) string {
			sum := sha512.Sum512([]byte(s))
			return hex.EncodeToString(sum[:])
		}, nil
	case HashBLAKE2b:
		return func(s string) string {
			sum := blake2b.Sum512([]byte(s))
			return hex.EncodeToString(sum[:])
		}, nil
	default:
		return nil, fmt.Errorf("audit: unknown hash algorithm %q", algorithm)
	}
}
