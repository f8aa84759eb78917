package signature

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ParseRSAPublicKey reads a PEM encoded PKIX or PKCS#1 public key.
func ParseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(normalisePEM(pemText)))
	if block == nil {
		return nil, errors.New("signature: invalid public key pem")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("signature: public key is not rsa")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signature: parse public key: %w", err)
	}
	return pub, nil
}

// ParseRSAPrivateKey reads a PEM encoded PKCS#8 or PKCS#1 private key.
func ParseRSAPrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(normalisePEM(pemText)))
	if block == nil {
		return nil, errors.New("signature: invalid private key pem")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signature: private key is not rsa")
		}
		return priv, nil
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signature: parse private key: %w", err)
	}
	return priv, nil
}

// env files often carry PEM blocks with literal \n sequences.
func normalisePEM(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), `\n`, "\n")
}

// CanonicalJSON re-encodes payload with object keys sorted and insignificant
// whitespace removed. Numbers keep their original textual form.
func CanonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("signature: canonical json: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignRSA signs message with RSASSA-PKCS1-v1_5 over SHA-256 and returns base64.
func SignRSA(key *rsa.PrivateKey, message []byte) (string, error) {
	if key == nil {
		return "", errors.New("signature: nil private key")
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRSA reports whether sig (standard or URL-safe base64) is a valid
// RSASSA-PKCS1-v1_5 SHA-256 signature of message.
func VerifyRSA(key *rsa.PublicKey, message []byte, sig string) bool {
	if key == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(sig), "="))
		if err != nil {
			return false
		}
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw) == nil
}

// VerifyRSAJSON canonicalises payload before verifying sig.
func VerifyRSAJSON(key *rsa.PublicKey, payload []byte, sig string) bool {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return false
	}
	return VerifyRSA(key, canonical, sig)
}
