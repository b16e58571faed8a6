// Package apikey provides a handler that validates bearer tokens against a
// static key store using SHA-256 hashing and constant-time comparison.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"maps"
	"strings"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/credential"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "apikey"

// RawKeyEntry is the configuration format for API keys.
type RawKeyEntry struct {
	Key        string
	Subject    string
	Attributes map[string]string
}

// Config holds the API key handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "apikey".
	Name string

	// Prefix, if set, restricts the handler to tokens starting with it
	// (e.g. "sk-"), leaving other bearer tokens to later handlers.
	Prefix string

	Keys []RawKeyEntry
}

type keyEntry struct {
	hash      [32]byte
	principal authn.Principal
}

// Handler validates bearer tokens against hashed keys.
type Handler struct {
	name   string
	prefix string
	keys   []keyEntry
}

var _ authn.Handler = (*Handler)(nil)

// New creates an API key handler. Keys are hashed immediately; plaintext
// keys are not stored.
func New(cfg Config) *Handler {
	h := &Handler{
		name:   authn.NameOrDefault(cfg.Name, DefaultName),
		prefix: cfg.Prefix,
	}
	for _, e := range cfg.Keys {
		h.keys = append(h.keys, keyEntry{
			hash: sha256.Sum256([]byte(e.Key)),
			principal: authn.Principal{
				ID:         e.Subject,
				Attributes: maps.Clone(e.Attributes),
			},
		})
	}
	return h
}

func (h *Handler) Name() string { return h.name }

// Supports accepts bearer tokens, limited to the configured prefix if any.
func (h *Handler) Supports(cred credential.Credential) bool {
	tok, ok := cred.(credential.BearerToken)
	if !ok {
		return false
	}
	return h.prefix == "" || strings.HasPrefix(tok.Token(), h.prefix)
}

// Authenticate hashes the token and compares it against every stored hash.
func (h *Handler) Authenticate(_ context.Context, cred credential.Credential) (*authn.Principal, error) {
	tok, ok := cred.(credential.BearerToken)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}
	if tok.Token() == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential, nil)
	}

	tokenHash := sha256.Sum256([]byte(tok.Token()))

	// Scan every entry so timing does not reveal the match position.
	match := -1
	for i, entry := range h.keys {
		if subtle.ConstantTimeCompare(tokenHash[:], entry.hash[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	}

	p := h.keys[match].principal
	return p.Clone(), nil
}
