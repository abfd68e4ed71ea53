package audit

import (
	"strings"
	"testing"
	"time"
)

func TestCanonicalPayload_SortsKeys(t *testing.T) {
	got, err := canonicalPayload(map[string]any{"zeta": 1, "alpha": "x", "mid": true})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"alpha":"x","mid":true,"zeta":1}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalPayload_NilIsEmptyObject(t *testing.T) {
	got, err := canonicalPayload(nil)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if got != "{}" {
		t.Errorf("expected {}, got %s", got)
	}
}

func TestCanonicalString_FieldOrderAndSeparators(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	got, err := canonicalString("subject-1", EventSignalReceived, ts, map[string]any{"k": "v"}, GenesisHash)
	if err != nil {
		t.Fatalf("canonical string: %v", err)
	}
	want := `subject-1|SIGNAL_RECEIVED|2026-03-14T09:26:53.589793Z|{"k":"v"}|genesis`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// Hash input timestamps always carry six fractional digits so a value that
// round-trips through a microsecond-precision column re-hashes identically.
func TestCanonicalString_TimestampFixedWidth(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := canonicalString("s", "T", ts, nil, GenesisHash)
	if err != nil {
		t.Fatalf("canonical string: %v", err)
	}
	if !strings.Contains(got, "2026-01-02T03:04:05.000000Z") {
		t.Errorf("expected zero-padded microseconds, got %q", got)
	}
}

func TestNewHasher(t *testing.T) {
	sha, err := NewHasher(HashSHA512)
	if err != nil {
		t.Fatalf("sha512 hasher: %v", err)
	}
	blake, err := NewHasher(HashBLAKE2b)
	if err != nil {
		t.Fatalf("blake2b hasher: %v", err)
	}
	defaulted, err := NewHasher("")
	if err != nil {
		t.Fatalf("default hasher: %v", err)
	}

	const input = "canonical input"
	if len(sha(input)) != 128 || len(blake(input)) != 128 {
		t.Errorf("expected 512-bit hex digests, got lengths %d and %d", len(sha(input)), len(blake(input)))
	}
	if sha(input) != sha(input) {
		t.Errorf("expected sha512 digest to be stable")
	}
	if sha(input) == blake(input) {
		t.Errorf("expected distinct algorithms to produce distinct digests")
	}
	if defaulted(input) != sha(input) {
		t.Errorf("expected empty algorithm to default to sha512")
	}

	if _, err := NewHasher("md5"); err == nil {
		t.Errorf("expected unknown algorithm to be rejected")
	}
}
