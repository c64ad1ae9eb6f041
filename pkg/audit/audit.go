// Package audit builds tamper-evident audit records for capsule
// invocations. Records are signed with a keyed hash (HMAC-SHA256) over
// their RFC 8785 canonical JSON form; the signing secret comes from an
// injected source (external secret store), never from ambient state.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"
)

// ErrNoSecret is returned when the secret source yields no key material.
var ErrNoSecret = errors.New("audit: no signing secret available")

// hkdfSalt versions the key derivation. Bump on format changes.
var hkdfSalt = []byte("capsule-audit-v1")

// Record is the unsigned audit payload for one invocation.
type Record struct {
	EventID       string    `json:"eventId"`
	Subject       string    `json:"subject"`
	TenantID      string    `json:"tenantId,omitempty"`
	Action        string    `json:"action"` // the capsule ID
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId"`
}

// Signed is a Record plus its keyed-hash signature.
type Signed struct {
	Record
	Signature string `json:"signature"`
}

// AsMap renders the signed record for embedding in a result payload.
func (s *Signed) AsMap() map[string]any {
	return map[string]any{
		"eventId":       s.EventID,
		"subject":       s.Subject,
		"tenantId":      s.TenantID,
		"action":        s.Action,
		"timestamp":     s.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlationId": s.CorrelationID,
		"signature":     s.Signature,
	}
}

// SecretSource supplies raw signing-key material. Implementations wrap
// the deployment's secret store.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)
}

// StaticSecret is a fixed in-memory secret, for tests and development.
type StaticSecret []byte

func (s StaticSecret) Secret(ctx context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoSecret
	}
	return []byte(s), nil
}

// Signer signs and verifies audit records.
type Signer struct {
	source SecretSource
}

// NewSigner creates a Signer backed by the given secret source.
func NewSigner(source SecretSource) *Signer {
	return &Signer{source: source}
}

// NewRecord builds an unsigned record for one invocation.
func NewRecord(subject, tenantID, capsuleID, correlationID string, now time.Time) Record {
	return Record{
		EventID:       uuid.New().String(),
		Subject:       subject,
		TenantID:      tenantID,
		Action:        capsuleID,
		Timestamp:     now.UTC(),
		CorrelationID: correlationID,
	}
}

// Sign computes the keyed hash over the canonical form of the record.
// The per-capsule key is derived with HKDF-SHA256 so capsules cannot
// forge each other's records even with the same root secret.
func (s *Signer) Sign(ctx context.Context, rec Record) (*Signed, error) {
	mac, err := s.mac(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Signed{Record: rec, Signature: hex.EncodeToString(mac)}, nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(ctx context.Context, signed *Signed) (bool, error) {
	want, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return false, fmt.Errorf("audit: malformed signature: %w", err)
	}
	got, err := s.mac(ctx, signed.Record)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, got), nil
}

func (s *Signer) mac(ctx context.Context, rec Record) ([]byte, error) {
	secret, err := s.source.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: secret source: %w", err)
	}

	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, secret, hkdfSalt, []byte(rec.Action))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("audit: key derivation: %w", err)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize record: %w", err)
	}

	h := hmac.New(sha256.New, key)
	h.Write(canonical)
	return h.Sum(nil), nil
}
