// Package x509cert provides a handler that authenticates client
// certificates by verifying them against configured certificate authorities.
package x509cert

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "x509"

// Config holds the client certificate handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "x509".
	Name string

	// CABundle holds the PEM-encoded certificate authorities that issue
	// client certificates.
	CABundle []byte

	// RevokedSerials lists revoked certificate serial numbers in hex,
	// optionally colon-separated ("01:a2:ff").
	RevokedSerials []string

	// Now overrides the verification time (useful for testing).
	Now func() time.Time
}

// Handler verifies client certificate chains.
type Handler struct {
	name    string
	roots   *x509.CertPool
	revoked map[string]struct{}
	now     func() time.Time
}

var _ authn.Handler = (*Handler)(nil)

// New creates a certificate handler. At least one CA certificate is required.
func New(cfg Config) (*Handler, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(cfg.CABundle) {
		return nil, errors.New("CA bundle contains no certificates")
	}

	revoked := make(map[string]struct{}, len(cfg.RevokedSerials))
	for _, s := range cfg.RevokedSerials {
		serial, err := parseSerial(s)
		if err != nil {
			return nil, fmt.Errorf("revoked serial %q: %w", s, err)
		}
		revoked[serial.Text(16)] = struct{}{}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Handler{
		name:    authn.NameOrDefault(cfg.Name, DefaultName),
		roots:   roots,
		revoked: revoked,
		now:     now,
	}, nil
}

func parseSerial(s string) (*big.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || clean == "" {
		return nil, errors.New("not a hex serial number")
	}
	return n, nil
}

func (h *Handler) Name() string { return h.name }

// Supports accepts certificate credentials that carry a leaf.
func (h *Handler) Supports(cred credential.Credential) bool {
	c, ok := cred.(credential.Certificate)
	return ok && c.Leaf() != nil
}

func (h *Handler) Authenticate(_ context.Context, cred credential.Credential) (*authn.Principal, error) {
	c, ok := cred.(credential.Certificate)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}
	leaf := c.Leaf()
	if leaf == nil {
		return nil, authn.Reject(authn.ReasonMalformedCredential, credential.ErrNoCertificate)
	}

	intermediates := x509.NewCertPool()
	for _, ic := range c.Intermediates() {
		intermediates.AddCert(ic)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         h.roots,
		Intermediates: intermediates,
		CurrentTime:   h.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, authn.Reject(classify(err), err)
	}

	// Revocation is only reported for certificates that chain to a trusted CA.
	if _, revoked := h.revoked[leaf.SerialNumber.Text(16)]; revoked {
		debug.Log("x509", "revoked certificate", "handler", h.name, "serial", leaf.SerialNumber.Text(16), "subject", leaf.Subject.String())
		return nil, authn.Reject(authn.ReasonRevoked, nil)
	}

	if leaf.Subject.CommonName == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential, errors.New("certificate subject has no common name"))
	}

	return &authn.Principal{
		ID: leaf.Subject.CommonName,
		Attributes: map[string]string{
			"subject": leaf.Subject.String(),
			"issuer":  leaf.Issuer.String(),
			"serial":  leaf.SerialNumber.Text(16),
		},
	}, nil
}

func classify(err error) authn.ReasonCode {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return authn.ReasonExpired
	}
	return authn.ReasonInvalidSecret
}
