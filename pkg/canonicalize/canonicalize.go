// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of IEIM artifacts, plus the
// deterministic identity helpers (uuid5, timestamps) shared by every stage.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON bytes of v.
//
// v is first marshaled with encoding/json (so struct tags are respected),
// then transformed: object keys sorted by UTF-8 code points, minimal string
// escaping, ES6 number serialization. Non-finite floats are rejected by the
// pre-marshal step.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// HashBytes returns "sha256:" + hex(sha256(data)).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Hash returns the prefixed SHA-256 of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// DecisionHash computes the stable fingerprint of a stage decision input.
// Inputs must exclude wall-clock time and generated ids; callers own that.
func DecisionHash(input any) (string, error) {
	return Hash(input)
}

// UUID5 derives a deterministic UUIDv5 in the URL namespace.
// All IEIM identities (message, run, attachment, audit event, review item,
// correction, case) are derived this way so retries converge.
func UUID5(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// IsUUID reports whether s parses as any RFC 4122 UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// FormatTime renders t as UTC RFC 3339 with second precision and a Z suffix.
// This is the only timestamp form that appears inside artifacts.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// ParseTime accepts the artifact timestamp form and common RFC 3339 variants.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse rfc3339 %q: %w", s, err)
	}
	return t, nil
}

// EncodeArtifact renders v in the on-disk artifact form: sorted keys,
// two-space indent, no HTML escaping, trailing newline. Artifact references
// hash these exact bytes, so the encoding must never drift.
func EncodeArtifact(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("artifact: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("artifact: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("artifact: encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
