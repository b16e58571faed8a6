// Package static provides a username/password handler backed by a fixed
// list of bcrypt-hashed users loaded from configuration.
package static

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/authn/internal/dummyhash"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "static"

// User is a configured account.
type User struct {
	Username     string
	PasswordHash string
	Attributes   map[string]string
}

// Config holds the static handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "static".
	Name  string
	Users []User
}

type account struct {
	hash      []byte
	principal authn.Principal
}

// Handler checks username/password credentials against configured bcrypt hashes.
type Handler struct {
	name     string
	accounts map[string]account

	// dummyCost is the highest configured hash cost, used for unknown users.
	dummyCost int
}

var _ authn.Handler = (*Handler)(nil)

// New creates a static handler. It fails if a username repeats or a
// password hash is not a bcrypt hash.
func New(cfg Config) (*Handler, error) {
	h := &Handler{
		name:     authn.NameOrDefault(cfg.Name, DefaultName),
		accounts: make(map[string]account, len(cfg.Users)),
	}

	var errs []error
	for i, u := range cfg.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("users[%d]: username is required", i))
			continue
		}
		if _, dup := h.accounts[u.Username]; dup {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username))
			continue
		}
		cost, err := bcrypt.Cost([]byte(u.PasswordHash))
		if err != nil {
			errs = append(errs, fmt.Errorf("users[%d]: invalid password hash: %w", i, err))
			continue
		}
		h.dummyCost = max(h.dummyCost, cost)
		p := authn.Principal{ID: u.Username, Attributes: u.Attributes}
		h.accounts[u.Username] = account{
			hash:      []byte(u.PasswordHash),
			principal: *p.Clone(),
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	dummyhash.For(h.dummyCost)
	return h, nil
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Supports(cred credential.Credential) bool {
	_, ok := cred.(credential.UsernamePassword)
	return ok
}

func (h *Handler) Authenticate(_ context.Context, cred credential.Credential) (*authn.Principal, error) {
	up, ok := cred.(credential.UsernamePassword)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}
	if up.Username() == "" || up.Password() == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential, nil)
	}

	acct, known := h.accounts[up.Username()]
	if !known {
		dummyhash.Compare(h.dummyCost, up.Password())
		debug.Log("static", "unknown user", "handler", h.name, "username", up.Username())
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	}

	err := bcrypt.CompareHashAndPassword(acct.hash, []byte(up.Password()))
	switch {
	case err == nil:
		return acct.principal.Clone(), nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	default:
		return nil, authn.Reject(authn.ReasonInternal, err)
	}
}
