// Package ldap provides a username/password handler that verifies passwords
// against an LDAP directory using the search-then-bind pattern.
package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "ldap"

const (
	// distinguishedNameAttribute selects the entry DN instead of a real attribute.
	distinguishedNameAttribute = "dn"

	// usernamePlaceholder is replaced with the escaped username in search filters.
	usernamePlaceholder = "{}"
)

// Conn is the subset of *ldap.Conn used by the handler.
type Conn interface {
	Bind(username, password string) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

var _ Conn = &ldap.Conn{}

// Dialer opens connections to the directory.
type Dialer interface {
	Dial(ctx context.Context, hostAndPort string) (Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, hostAndPort string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, hostAndPort string) (Conn, error) {
	return f(ctx, hostAndPort)
}

// UserSearch describes how to locate a user entry.
type UserSearch struct {
	// Base is the DN at which to start the subtree search.
	Base string

	// Filter is an LDAP filter in which "{}" is replaced by the escaped
	// username. If empty, "(UsernameAttribute={})" is used.
	Filter string

	// UsernameAttribute is the attribute that holds the login name.
	// Default: "uid". Use "dn" to take the entry's DN.
	UsernameAttribute string

	// UIDAttribute is the attribute that becomes the principal ID.
	// Default: "dn".
	UIDAttribute string
}

// Config holds the LDAP handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "ldap".
	Name string

	// Host is "host" or "host:port"; LDAPS port 636 is assumed when no port is given.
	Host string

	// CABundle holds PEM certificates trusted for the directory's TLS
	// certificate. If empty, the system roots are used.
	CABundle []byte

	// BindUsername and BindPassword are the service account used to search.
	BindUsername string
	BindPassword string

	UserSearch UserSearch

	// Dialer replaces the default LDAPS dialer (useful for testing).
	Dialer Dialer
}

// Handler authenticates usernames and passwords against a directory.
type Handler struct {
	name   string
	config Config
}

var _ authn.Handler = (*Handler)(nil)

// New creates an LDAP handler.
func New(cfg Config) (*Handler, error) {
	if cfg.UserSearch.UsernameAttribute == "" {
		cfg.UserSearch.UsernameAttribute = "uid"
	}
	if cfg.UserSearch.UIDAttribute == "" {
		cfg.UserSearch.UIDAttribute = distinguishedNameAttribute
	}
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.UserSearch.UsernameAttribute == distinguishedNameAttribute && cfg.UserSearch.Filter == "" {
		// LDAP search filters do not allow searching by DN.
		return nil, fmt.Errorf(`user search filter is required when username attribute is %q`, distinguishedNameAttribute)
	}
	if len(cfg.CABundle) > 0 && !x509.NewCertPool().AppendCertsFromPEM(cfg.CABundle) {
		return nil, errors.New("could not parse CA bundle")
	}
	return &Handler{
		name:   authn.NameOrDefault(cfg.Name, DefaultName),
		config: cfg,
	}, nil
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Supports(cred credential.Credential) bool {
	_, ok := cred.(credential.UsernamePassword)
	return ok
}

// Authenticate binds as the service account, finds the user's entry and
// binds again as that entry with the supplied password.
func (h *Handler) Authenticate(ctx context.Context, cred credential.Credential) (*authn.Principal, error) {
	up, ok := cred.(credential.UsernamePassword)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}
	// An empty password would be an unauthenticated bind, which many servers accept.
	if up.Username() == "" || up.Password() == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential, nil)
	}

	conn, err := h.dial(ctx)
	if err != nil {
		return nil, h.reject(ctx, fmt.Errorf("dialing %q: %w", h.config.Host, err))
	}
	defer conn.Close()

	// go-ldap operations take no context; closing the connection aborts them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Bind(h.config.BindUsername, h.config.BindPassword); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			// The service account is misconfigured, not the user's credential.
			return nil, authn.Reject(authn.ReasonInternal, fmt.Errorf("binding as %q before user search: %w", h.config.BindUsername, err))
		}
		return nil, h.reject(ctx, fmt.Errorf("binding as %q before user search: %w", h.config.BindUsername, err))
	}

	entry, err := h.searchUser(conn, up.Username())
	if err != nil {
		return nil, h.reject(ctx, err)
	}
	if entry == nil {
		debug.Log("ldap", "user not found", "handler", h.name, "username", up.Username())
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	}

	uid, err := attributeValue(entry, h.config.UserSearch.UIDAttribute)
	if err != nil {
		return nil, authn.Reject(authn.ReasonInternal, err)
	}

	// Any operation after this bind runs as the user.
	if err := conn.Bind(entry.DN, up.Password()); err != nil {
		debug.Log("ldap", "user bind failed", "handler", h.name, "dn", entry.DN, "error", err)
		return nil, h.reject(ctx, fmt.Errorf("binding as user entry: %w", err))
	}

	return &authn.Principal{
		ID:         uid,
		Attributes: map[string]string{"dn": entry.DN},
	}, nil
}

// searchUser returns the single entry matching the username, or nil if
// there is none.
func (h *Handler) searchUser(conn Conn, username string) (*ldap.Entry, error) {
	req := h.userSearchRequest(username)
	debug.Trace("ldap", "user search", "handler", h.name, "base", req.BaseDN, "filter", req.Filter)

	result, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return nil, errAmbiguousUser
		}
		return nil, fmt.Errorf("searching for user: %w", err)
	}
	switch len(result.Entries) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errAmbiguousUser
	}
	entry := result.Entries[0]
	if entry.DN == "" {
		return nil, errors.New("search result has no DN")
	}
	return entry, nil
}

var errAmbiguousUser = errors.New("user search matched more than one entry")

// reject classifies a directory error into a reason code.
func (h *Handler) reject(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return authn.Reject(authn.ReasonTimeout, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return authn.Reject(authn.ReasonInvalidSecret, err)
	case ldap.IsErrorWithCode(err, ldap.ErrorNetwork),
		ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable):
		return authn.Reject(authn.ReasonSourceUnavailable, err)
	default:
		return authn.Reject(authn.ReasonInternal, err)
	}
}

func (h *Handler) userSearchRequest(username string) *ldap.SearchRequest {
	var attributes []string
	for _, a := range []string{h.config.UserSearch.UsernameAttribute, h.config.UserSearch.UIDAttribute} {
		if a != distinguishedNameAttribute {
			attributes = append(attributes, a)
		}
	}
	return &ldap.SearchRequest{
		BaseDN:       h.config.UserSearch.Base,
		Scope:        ldap.ScopeWholeSubtree,
		DerefAliases: ldap.NeverDerefAliases,
		SizeLimit:    2,
		TimeLimit:    90,
		Filter:       h.userSearchFilter(username),
		Attributes:   attributes,
	}
}

func (h *Handler) userSearchFilter(username string) string {
	// The username is end-user input and must be escaped to prevent filter injection.
	safe := ldap.EscapeFilter(username)
	if h.config.UserSearch.Filter == "" {
		return fmt.Sprintf("(%s=%s)", h.config.UserSearch.UsernameAttribute, safe)
	}
	filter := strings.ReplaceAll(h.config.UserSearch.Filter, usernamePlaceholder, safe)
	if strings.HasPrefix(filter, "(") && strings.HasSuffix(filter, ")") {
		return filter
	}
	return "(" + filter + ")"
}

func attributeValue(entry *ldap.Entry, name string) (string, error) {
	if name == distinguishedNameAttribute {
		return entry.DN, nil
	}
	values := entry.GetAttributeValues(name)
	if len(values) != 1 || values[0] == "" {
		return "", fmt.Errorf("expected exactly one non-empty value for attribute %q, found %d", name, len(values))
	}
	return values[0], nil
}

func (h *Handler) dial(ctx context.Context) (Conn, error) {
	hostAndPort, err := hostAndPortWithDefaultPort(h.config.Host, ldap.DefaultLdapsPort)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}
	if h.config.Dialer != nil {
		return h.config.Dialer.Dial(ctx, hostAndPort)
	}
	return h.dialTLS(ctx, hostAndPort)
}

// dialTLS opens an LDAPS connection honoring ctx, which ldap.DialURL does not.
func (h *Handler) dialTLS(ctx context.Context, hostAndPort string) (Conn, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(h.config.CABundle) > 0 {
		rootCAs := x509.NewCertPool()
		rootCAs.AppendCertsFromPEM(h.config.CABundle)
		tlsConfig.RootCAs = rootCAs
	}

	dialer := &tls.Dialer{Config: tlsConfig}
	c, err := dialer.DialContext(ctx, "tcp", hostAndPort)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	conn := ldap.NewConn(c, true)
	conn.Start()
	return conn, nil
}

// hostAndPortWithDefaultPort adds defaultPort when hostAndPort has none.
func hostAndPortWithDefaultPort(hostAndPort, defaultPort string) (string, error) {
	host, port, err := net.SplitHostPort(hostAndPort)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return net.JoinHostPort(strings.Trim(hostAndPort, "[]"), defaultPort), nil
		}
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}
