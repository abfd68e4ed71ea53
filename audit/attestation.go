package audit

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Attestor issues signed verification reports. A report is a PS512 JWT over
// the service's RSA key, so an operator can hand an auditor a self-contained,
// independently checkable statement of what the verifier found at a point in
// time.
type Attestor struct {
	key    *rsa.PrivateKey
	issuer string
	now    func() time.Time
}

func NewAttestor(key *rsa.PrivateKey, issuer string) *Attestor {
	return &Attestor{
		key:    key,
		issuer: issuer,
		now:    time.Now,
	}
}

func (a *Attestor) WithClock(now func() time.Time) *Attestor {
	a.now = now
	return a
}

// Attest wraps a verification result for scopeKey into a signed token.
func (a *Attestor) Attest(scopeKey string, result VerifyResult) (string, error) {
	claims := jwt.MapClaims{
		"iss":     a.issuer,
		"iat":     a.now().Unix(),
		"scope":   scopeKey,
		"valid":   result.Valid,
		"entries": result.Entries,
	}
	if !result.Valid {
		claims["reason"] = result.Reason
		if result.FailureIndex >= 0 {
			claims["failure_index"] = result.FailureIndex
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS512, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("audit: sign attestation: %w", err)
	}
	return signed, nil
}

// VerifyAttestation checks the token signature and returns its claims.
func (a *Attestor) VerifyAttestation(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSAPSS); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &a.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: parse attestation: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("audit: invalid attestation")
	}
	return claims, nil
}
