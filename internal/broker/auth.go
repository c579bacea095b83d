// auth.go mints the per-request JWT the Coinbase Advanced Trade API expects.
//
// Every authenticated request carries Authorization: Bearer <jwt> where the
// token is ES256-signed with the CDP API key's EC private key. The token is
// bound to the request: the uri claim is "<METHOD> <host><path>", nbf is now
// and exp is nbf+120s, and a random hex nonce rides in the header. Tokens
// are minted fresh per request and never cached.
package broker

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth signs requests for the Coinbase Advanced Trade API.
type Auth struct {
	keyName string
	privKey *ecdsa.PrivateKey
}

// NewAuth parses the EC private key PEM and returns a signer. keyName is the
// CDP key resource name ("organizations/.../apiKeys/...").
func NewAuth(keyName, privateKeyPEM string) (*Auth, error) {
	if keyName == "" || privateKeyPEM == "" {
		return nil, errors.New("broker auth not configured (set COINBASE_API_KEY_NAME and COINBASE_API_PRIVATE_KEY or _PATH)")
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("invalid private key (no PEM block)")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an EC private key")
		}
		key = ec
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}

	return &Auth{keyName: keyName, privKey: key}, nil
}

// MintJWT creates a request-bound bearer token. method is the HTTP verb;
// host and path identify the request target without scheme or query.
func (a *Auth) MintJWT(method, host, path string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": a.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(120 * time.Second).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, host, path),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.keyName
	token.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := token.SignedString(a.privKey)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
