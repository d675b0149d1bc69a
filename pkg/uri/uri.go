// Package uri validates and canonicalizes payload locators against the
// configured maximum length, scheme set and domain allow-list.
//
// Three schemes exist. https locators name a DNS host that must be on the
// allow-list. ipfs and ar locators name an immutable object by content
// identifier; the identifier is case-sensitive, is kept byte-for-byte and is
// admitted by scheme alone.
package uri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
)

var (
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrTooLong          = errors.New("locator too long")
	ErrMalformed        = errors.New("malformed locator")
)

// DefaultMaxLength applies when a policy leaves MaxLength unset.
const DefaultMaxLength = 2048

const (
	SchemeHTTPS = "https"
	SchemeIPFS  = "ipfs"
	SchemeAR    = "ar"
)

// SupportedSchemes bounds every policy.
var SupportedSchemes = []string{SchemeHTTPS, SchemeIPFS, SchemeAR}

func contentAddressed(scheme string) bool {
	return scheme == SchemeIPFS || scheme == SchemeAR
}

// Policy is the currently configured locator constraint set.
type Policy struct {
	MaxLength int `json:"max_length" yaml:"max_length"`
	// AllowedDomains holds exact hosts ("cdn.example.com") and subdomain
	// wildcards ("*.example.com", which does not match the apex).
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
	// AllowedSchemes is a subset of SupportedSchemes and defaults to https only.
	AllowedSchemes []string `json:"allowed_schemes,omitempty" yaml:"allowed_schemes,omitempty"`
}

func (p Policy) normalized() (Policy, error) {
	out := Policy{MaxLength: p.MaxLength}
	if out.MaxLength <= 0 {
		out.MaxLength = DefaultMaxLength
	}
	for _, d := range p.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		wildcard := strings.HasPrefix(d, "*.")
		host := strings.TrimPrefix(d, "*.")
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil || ascii == "" {
			return Policy{}, fmt.Errorf("invalid allowed domain %q: %v", d, err)
		}
		if wildcard {
			ascii = "*." + ascii
		}
		out.AllowedDomains = append(out.AllowedDomains, ascii)
	}
	for _, s := range p.AllowedSchemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if !contains(SupportedSchemes, s) {
			return Policy{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, s)
		}
		if !contains(out.AllowedSchemes, s) {
			out.AllowedSchemes = append(out.AllowedSchemes, s)
		}
	}
	if len(out.AllowedSchemes) == 0 {
		out.AllowedSchemes = []string{SchemeHTTPS}
	}
	return out, nil
}

// Store persists the controller's latest policy.
type Store interface {
	// LoadPolicy reports ok=false when no policy was ever saved.
	LoadPolicy(ctx context.Context) (policy Policy, ok bool, err error)
	SavePolicy(ctx context.Context, policy Policy) error
}

// Validator is the locator collaborator consumed by the update path.
type Validator struct {
	mu         sync.RWMutex
	policy     Policy
	controller *authz.Controller
	log        events.Log
	store      Store
	logger     *slog.Logger
}

type Option func(*Validator)

// WithStore makes SetPolicy durable and lets Restore reload it.
func WithStore(s Store) Option {
	return func(v *Validator) { v.store = s }
}

func NewValidator(policy Policy, controller *authz.Controller, log events.Log, opts ...Option) (*Validator, error) {
	p, err := policy.normalized()
	if err != nil {
		return nil, err
	}
	v := &Validator{
		policy:     p,
		controller: controller,
		log:        log,
		logger:     slog.Default().With("component", "uri"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Restore replaces the configured policy with the last one the controller
// saved, if any.
func (v *Validator) Restore(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	saved, ok, err := v.store.LoadPolicy(ctx)
	if err != nil {
		return fmt.Errorf("load locator policy: %w", err)
	}
	if !ok {
		return nil
	}
	p, err := saved.normalized()
	if err != nil {
		return fmt.Errorf("stored locator policy: %w", err)
	}
	v.mu.Lock()
	v.policy = p
	v.mu.Unlock()
	v.logger.InfoContext(ctx, "locator policy restored", "allowed_domains", len(p.AllowedDomains), "max_length", p.MaxLength)
	return nil
}

// Policy returns the active policy.
func (v *Validator) Policy() Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policy
}

// SetPolicy replaces the active policy. Controller only.
func (v *Validator) SetPolicy(ctx context.Context, caller crypto.Address, policy Policy) error {
	if err := v.controller.Require(caller); err != nil {
		return err
	}
	p, err := policy.normalized()
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.log.Append(ctx, events.KindURIPolicyUpdated, map[string]string{
		"max_length":      strconv.Itoa(p.MaxLength),
		"allowed_domains": strings.Join(p.AllowedDomains, ","),
		"allowed_schemes": strings.Join(p.AllowedSchemes, ","),
	}); err != nil {
		return fmt.Errorf("record policy event: %w", err)
	}
	if v.store != nil {
		if err := v.store.SavePolicy(ctx, p); err != nil {
			v.logger.ErrorContext(ctx, "policy event recorded but policy not persisted", "error", err)
			return fmt.Errorf("persist policy: %w", err)
		}
	}
	v.policy = p
	v.logger.InfoContext(ctx, "locator policy updated", "allowed_domains", len(p.AllowedDomains), "max_length", p.MaxLength)
	return nil
}

// Canonicalize validates raw and returns its canonical form: NFC normalized,
// lower-case scheme, fragment removed. https hosts become lower-case ASCII
// (punycode) with the default port dropped; content identifiers are kept as
// given.
func (v *Validator) Canonicalize(raw string) (string, error) {
	p := v.Policy()

	raw = norm.NFC.String(strings.TrimSpace(raw))
	if len(raw) > p.MaxLength {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLong, len(raw), p.MaxLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: absolute locator with host required", ErrMalformed)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials are not allowed", ErrMalformed)
	}

	scheme := strings.ToLower(u.Scheme)
	if !contains(SupportedSchemes, scheme) || !contains(p.AllowedSchemes, scheme) {
		return "", fmt.Errorf("%w: scheme %q", ErrDomainNotAllowed, scheme)
	}

	var host string
	if contentAddressed(scheme) {
		host, err = contentID(u)
	} else {
		host, err = httpsHost(u, p.AllowedDomains)
	}
	if err != nil {
		return "", err
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	canonical := out.String()
	if len(canonical) > p.MaxLength {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLong, len(canonical), p.MaxLength)
	}
	return canonical, nil
}

func httpsHost(u *url.URL, allowed []string) (string, error) {
	host, err := idna.Lookup.ToASCII(strings.TrimSuffix(u.Hostname(), "."))
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: host %q", ErrMalformed, u.Hostname())
	}
	host = strings.ToLower(host)
	if !hostAllowed(allowed, host) {
		return "", fmt.Errorf("%w: %s", ErrDomainNotAllowed, host)
	}
	if port := u.Port(); port != "" && port != "443" {
		host = net.JoinHostPort(host, port)
	}
	return host, nil
}

// contentID accepts a CID or transaction id: base32/base58/base64url
// characters only, no port.
func contentID(u *url.URL) (string, error) {
	id := u.Host
	if id == "" || strings.ContainsAny(id, ":[]") {
		return "", fmt.Errorf("%w: content identifier %q", ErrMalformed, id)
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return "", fmt.Errorf("%w: content identifier %q", ErrMalformed, id)
		}
	}
	return id, nil
}

func hostAllowed(patterns []string, host string) bool {
	for _, p := range patterns {
		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
