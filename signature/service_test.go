package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
)

// testKey keeps key generation out of the hot path; 2048 bits is enough for
// exercising the PSS code paths.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestSignVerify_ClassicalOnly(t *testing.T) {
	svc, err := NewService(WithClassicalKey(testKey(t)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if svc.PostQuantum() {
		t.Fatalf("expected post-quantum to be disabled by default")
	}
	if got := svc.AlgorithmTag(); got != TagClassical {
		t.Fatalf("expected tag %q, got %q", TagClassical, got)
	}

	blob, err := svc.Sign("payload-one")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !strings.HasPrefix(blob, "classical:") || !strings.HasSuffix(blob, "|v1") {
		t.Fatalf("unexpected v1 blob shape: %q", blob)
	}
	if strings.Contains(blob, "pq:") {
		t.Fatalf("classical-only blob must not carry a pq component: %q", blob)
	}

	if !svc.Verify("payload-one", blob) {
		t.Errorf("expected signature to verify")
	}
	if svc.Verify("payload-two", blob) {
		t.Errorf("expected verification to fail for a different payload")
	}
}

func TestSignVerify_Hybrid(t *testing.T) {
	svc, err := NewService(WithClassicalKey(testKey(t)), WithPostQuantum())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if !svc.PostQuantum() {
		t.Fatalf("expected post-quantum to be enabled")
	}
	if got := svc.AlgorithmTag(); got != TagHybrid {
		t.Fatalf("expected tag %q, got %q", TagHybrid, got)
	}

	blob, err := svc.Sign("hybrid payload")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !strings.HasPrefix(blob, "pq:") || !strings.HasSuffix(blob, "|v2") {
		t.Fatalf("unexpected v2 blob shape: %q", blob)
	}
	if !strings.Contains(blob, "|classical:") {
		t.Fatalf("hybrid blob must carry the classical component: %q", blob)
	}

	if !svc.Verify("hybrid payload", blob) {
		t.Errorf("expected hybrid signature to verify")
	}
	if svc.Verify("tampered payload", blob) {
		t.Errorf("expected verification to fail for a tampered payload")
	}
}

// A verifier without the post-quantum public key must still accept v2 blobs
// on the strength of the classical component alone.
func TestVerify_HybridBlobWithoutPQKey(t *testing.T) {
	key := testKey(t)

	hybrid, err := NewService(WithClassicalKey(key), WithPostQuantum())
	if err != nil {
		t.Fatalf("new hybrid service: %v", err)
	}
	classicalOnly, err := NewService(WithClassicalKey(key))
	if err != nil {
		t.Fatalf("new classical service: %v", err)
	}

	blob, err := hybrid.Sign("cross-deployment payload")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !classicalOnly.Verify("cross-deployment payload", blob) {
		t.Errorf("expected v2 blob to verify without the pq public key")
	}
}

func TestVerify_MalformedBlobs(t *testing.T) {
	svc, err := NewService(WithClassicalKey(testKey(t)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	blobs := []string{
		"",
		"v1",
		"garbage",
		"classical:zznothex|v1",
		"classical:deadbeef|v9",
		"pq:deadbeef|v2",
		"classical:deadbeef",
		"|||",
	}
	for _, blob := range blobs {
		if svc.Verify("payload", blob) {
			t.Errorf("expected malformed blob %q to fail verification", blob)
		}
	}
}

func TestVerify_SignatureFromOtherKey(t *testing.T) {
	svcA, err := NewService(WithClassicalKey(testKey(t)))
	if err != nil {
		t.Fatalf("new service A: %v", err)
	}
	svcB, err := NewService(WithClassicalKey(testKey(t)))
	if err != nil {
		t.Fatalf("new service B: %v", err)
	}

	blob, err := svcA.Sign("payload")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if svcB.Verify("payload", blob) {
		t.Errorf("expected signature from another key to fail verification")
	}
}
