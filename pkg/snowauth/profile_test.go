package snowauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rsa_key.p8")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemData, 0600))

	return path, key
}

func TestLoadPrivateKeyPKCS8(t *testing.T) {
	path, want := writeTestKey(t)

	p := Profile{Account: "ACME-TEST", User: "pipeline", PrivateKeyFile: path}
	got, err := p.LoadPrivateKey()
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestLoadPrivateKeyMissingFile(t *testing.T) {
	p := Profile{PrivateKeyFile: "/nonexistent/key.p8"}
	_, err := p.LoadPrivateKey()
	assert.Error(t, err)
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	p := Profile{PrivateKeyFile: path}
	_, err := p.LoadPrivateKey()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PEM")
}

func TestAccountURL(t *testing.T) {
	p := Profile{Account: "ACME-TEST"}
	assert.Equal(t, "https://acme-test.snowflakecomputing.com", p.AccountURL())

	p.URL = "https://example.privatelink.snowflakecomputing.com/"
	assert.Equal(t, "https://example.privatelink.snowflakecomputing.com", p.AccountURL())
}

func TestMintJWT(t *testing.T) {
	path, key := writeTestKey(t)
	p := Profile{Account: "acme-test", User: "pipeline", PrivateKeyFile: path}

	signed, err := MintJWT(p, key, time.Hour)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "ACME-TEST.PIPELINE", claims.Subject)
	assert.True(t, strings.HasPrefix(claims.Issuer, "ACME-TEST.PIPELINE.SHA256:"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}
