// Package snowauth loads Snowflake key-pair credentials and mints the
// JWTs used by both the SQL driver and the streaming ingest REST API.
package snowauth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// Profile describes one Snowflake account connection. The pipeline core
// receives it ready-made from the configuration loader.
type Profile struct {
	Account            string
	User               string
	PrivateKeyFile     string
	PrivateKeyPassword string
	Warehouse          string
	Role               string

	// URL overrides the default account URL. Empty means
	// https://<account>.snowflakecomputing.com.
	URL string
}

// AccountURL returns the base URL for REST calls against this account.
func (p Profile) AccountURL() string {
	if p.URL != "" {
		return strings.TrimSuffix(p.URL, "/")
	}
	return fmt.Sprintf("https://%s.snowflakecomputing.com", strings.ToLower(p.Account))
}

// LoadPrivateKey reads and parses the profile's PEM private key.
// Unencrypted PKCS#8 and PKCS#1 keys are supported; legacy encrypted PEM
// blocks are decrypted with the configured password.
func (p Profile) LoadPrivateKey() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(p.PrivateKeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading private key %s", p.PrivateKeyFile)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", p.PrivateKeyFile)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted keys still occur in the wild
		if p.PrivateKeyPassword == "" {
			return nil, errors.New("private key is encrypted but no password configured")
		}
		der, err = x509.DecryptPEMBlock(block, []byte(p.PrivateKeyPassword)) //nolint:staticcheck
		if err != nil {
			return nil, errors.Wrap(err, "decrypting private key")
		}
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return rsaKey, nil
}

// Fingerprint computes the SHA256 public key fingerprint in the form
// Snowflake expects in key-pair JWT issuers.
func Fingerprint(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", errors.Wrap(err, "marshalling public key")
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

// MintJWT creates a key-pair JWT for the profile, valid for lifetime.
// Issuer is <ACCOUNT>.<USER>.<fingerprint>, subject <ACCOUNT>.<USER>.
func MintJWT(p Profile, key *rsa.PrivateKey, lifetime time.Duration) (string, error) {
	fp, err := Fingerprint(key)
	if err != nil {
		return "", err
	}

	qualifiedUser := fmt.Sprintf("%s.%s",
		strings.ToUpper(p.Account), strings.ToUpper(p.User))

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    qualifiedUser + "." + fp,
		Subject:   qualifiedUser,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "signing JWT")
	}
	return signed, nil
}
