// Package credential defines the typed, immutable authentication material
// that callers hand to the authentication core.
//
// Every variant exposes a Kind discriminator so handlers can route on it
// without type switches on foreign types. Secret material is never exposed
// through Identifier or String.
package credential

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the concrete variant of a Credential.
type Kind string

const (
	KindUsernamePassword Kind = "username_password"
	KindBearerToken      Kind = "bearer_token"
	KindCertificate      Kind = "certificate"
)

// Credential is a typed bundle of authentication material.
type Credential interface {
	// Kind returns the discriminator of the concrete variant.
	Kind() Kind

	// Identifier returns a non-secret label for auditing and throttling,
	// or an empty string when the variant carries no such label.
	Identifier() string
}

// UsernamePassword is a username and password pair.
type UsernamePassword struct {
	username string
	password string
}

var _ Credential = UsernamePassword{}

// NewUsernamePassword builds a username/password credential.
func NewUsernamePassword(username, password string) UsernamePassword {
	return UsernamePassword{username: username, password: password}
}

func (c UsernamePassword) Kind() Kind         { return KindUsernamePassword }
func (c UsernamePassword) Identifier() string { return c.username }
func (c UsernamePassword) Username() string   { return c.username }
func (c UsernamePassword) Password() string   { return c.password }

func (c UsernamePassword) String() string {
	return fmt.Sprintf("username_password(%s)", c.username)
}

// BearerToken is an opaque token presented by the caller, such as an API key
// or a JWT.
type BearerToken struct {
	token string
}

var _ Credential = BearerToken{}

// NewBearerToken builds a bearer token credential.
func NewBearerToken(token string) BearerToken {
	return BearerToken{token: token}
}

func (c BearerToken) Kind() Kind { return KindBearerToken }

// Identifier is always empty: tokens are secrets end to end.
func (c BearerToken) Identifier() string { return "" }
func (c BearerToken) Token() string      { return c.token }
func (c BearerToken) String() string     { return "bearer_token(redacted)" }

// LooksLikeJWT reports whether the token has the three dot-separated
// segments of a compact JWS. It does not decode anything.
func (c BearerToken) LooksLikeJWT() bool {
	parts := strings.Split(c.token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Certificate is a client certificate chain, leaf first.
type Certificate struct {
	chain []*x509.Certificate
}

var _ Credential = Certificate{}

// NewCertificate builds a certificate credential. The chain slice is copied.
func NewCertificate(chain ...*x509.Certificate) Certificate {
	c := make([]*x509.Certificate, 0, len(chain))
	for _, cert := range chain {
		if cert != nil {
			c = append(c, cert)
		}
	}
	return Certificate{chain: c}
}

func (c Certificate) Kind() Kind { return KindCertificate }

// Identifier returns the leaf subject, or empty when the chain is empty.
func (c Certificate) Identifier() string {
	if leaf := c.Leaf(); leaf != nil {
		return leaf.Subject.String()
	}
	return ""
}

// Leaf returns the end-entity certificate, or nil for an empty chain.
func (c Certificate) Leaf() *x509.Certificate {
	if len(c.chain) == 0 {
		return nil
	}
	return c.chain[0]
}

// Intermediates returns a copy of the certificates after the leaf.
func (c Certificate) Intermediates() []*x509.Certificate {
	if len(c.chain) < 2 {
		return nil
	}
	out := make([]*x509.Certificate, len(c.chain)-1)
	copy(out, c.chain[1:])
	return out
}

func (c Certificate) String() string {
	return fmt.Sprintf("certificate(%s)", c.Identifier())
}

// ErrNoCertificate is returned by ParseCertificatePEM when the input holds
// no CERTIFICATE block.
var ErrNoCertificate = errors.New("no certificate found in PEM data")

// ParseCertificatePEM decodes every CERTIFICATE block in data, in order,
// into a certificate credential.
func ParseCertificatePEM(data []byte) (Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return Certificate{}, fmt.Errorf("parsing certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return Certificate{}, ErrNoCertificate
	}
	return NewCertificate(chain...), nil
}
