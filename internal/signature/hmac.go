// Package signature authenticates provider callbacks and first-party amount
// tokens. Every verifier is a pure predicate: it never mutates state and never
// panics on malformed input.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/url"
	"sort"
	"strings"
)

// Algorithm selects the HMAC digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) hasher() func() hash.Hash {
	if a == SHA512 {
		return sha512.New
	}
	return sha256.New
}

// Canonical describes how a provider flattens its fields before signing.
// With an empty Assign and Separator the canonical string is key1value1key2value2.
type Canonical struct {
	// Exclude lists fields dropped before signing, typically the signature field itself.
	Exclude []string
	// Assign joins a key with its value ("" or "=").
	Assign string
	// Separator joins successive pairs ("" or "|" or "&").
	Separator string
}

// Build returns the canonical string for fields: excluded keys removed, the
// rest sorted lexicographically by key.
func (c Canonical) Build(fields map[string]string) string {
	skip := make(map[string]struct{}, len(c.Exclude))
	for _, key := range c.Exclude {
		skip[key] = struct{}{}
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if _, ok := skip[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteString(c.Separator)
		}
		b.WriteString(key)
		b.WriteString(c.Assign)
		b.WriteString(fields[key])
	}
	return b.String()
}

// FieldsFromValues flattens form values, keeping the first value per key.
func FieldsFromValues(values url.Values) map[string]string {
	fields := make(map[string]string, len(values))
	for key, v := range values {
		if len(v) > 0 {
			fields[key] = v[0]
		} else {
			fields[key] = ""
		}
	}
	return fields
}

// SignHMAC returns the lowercase hex HMAC of message.
func SignHMAC(alg Algorithm, secret, message []byte) string {
	mac := hmac.New(alg.hasher(), secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether provided matches the HMAC of message. Hex of
// either case and standard base64 are accepted; the comparison is constant time.
func VerifyHMAC(alg Algorithm, secret, message []byte, provided string) bool {
	if len(secret) == 0 {
		return false
	}
	got, ok := decodeDigest(provided)
	if !ok {
		return false
	}
	mac := hmac.New(alg.hasher(), secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), got)
}

// VerifyFields canonicalises fields with c and verifies the signature stored under sigField.
func VerifyFields(alg Algorithm, secret []byte, c Canonical, fields map[string]string, sigField string) bool {
	provided, ok := fields[sigField]
	if !ok {
		return false
	}
	c.Exclude = append(append([]string(nil), c.Exclude...), sigField)
	return VerifyHMAC(alg, secret, []byte(c.Build(fields)), provided)
}

func decodeDigest(value string) ([]byte, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, false
	}
	if raw, err := hex.DecodeString(strings.ToLower(trimmed)); err == nil {
		return raw, true
	}
	if raw, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return raw, true
	}
	return nil, false
}
