package signature_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/signature"
)

func newRSAKeyPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(priv), string(pub)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := signature.CanonicalJSON([]byte(`{ "b": 1, "a": {"d": "x", "c": 2.50} }`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"c":2.50,"d":"x"},"b":1}`, string(out))
}

func TestRSASignVerifyJSON(t *testing.T) {
	privPEM, pubPEM := newRSAKeyPEM(t)
	priv, err := signature.ParseRSAPrivateKey(privPEM)
	require.NoError(t, err)
	pub, err := signature.ParseRSAPublicKey(strings.ReplaceAll(pubPEM, "\n", `\n`))
	require.NoError(t, err)

	payload := []byte(`{"status":"SUCCESS","acquirementId":"tng-1","amount":{"value":"20000","currency":"MYR"}}`)
	canonical, err := signature.CanonicalJSON(payload)
	require.NoError(t, err)
	sig, err := signature.SignRSA(priv, canonical)
	require.NoError(t, err)

	reordered := []byte(`{"amount":{"currency":"MYR","value":"20000"},"acquirementId":"tng-1","status":"SUCCESS"}`)
	require.True(t, signature.VerifyRSAJSON(pub, reordered, sig))

	tampered := []byte(`{"status":"SUCCESS","acquirementId":"tng-1","amount":{"value":"1","currency":"MYR"}}`)
	require.False(t, signature.VerifyRSAJSON(pub, tampered, sig))
	require.False(t, signature.VerifyRSAJSON(pub, payload, "%%%"))
	require.False(t, signature.VerifyRSAJSON(nil, payload, sig))
	require.False(t, signature.VerifyRSAJSON(pub, []byte("{"), sig))
}

func TestParseRSAKeyErrors(t *testing.T) {
	_, err := signature.ParseRSAPublicKey("garbage")
	require.Error(t, err)
	_, err = signature.ParseRSAPrivateKey("")
	require.Error(t, err)
}
