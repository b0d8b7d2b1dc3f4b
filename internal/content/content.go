package content

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Type is the STIX cyber-observable type of a piece of web content.
type Type string

const (
	DomainName Type = "domain-name"
	IPv4Addr   Type = "ipv4-addr"
	IPv6Addr   Type = "ipv6-addr"
	URL        Type = "url"
)

// ErrInvalidContent is returned for content that cannot be turned into records.
var ErrInvalidContent = errors.New("invalid web content")

// Content is a caller-supplied web content value. It is never stored as-is,
// only used to derive record ids and patterns.
type Content struct {
	Type  Type   `json:"type"`
	Value string `json:"value"`
}

// New builds a validated Content.
func New(t Type, value string) (Content, error) {
	c := Content{Type: t, Value: value}
	if err := c.Validate(); err != nil {
		return Content{}, err
	}
	return c, nil
}

// Validate checks the value against its type. It never touches the network.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Value) == "" {
		return fmt.Errorf("%w: empty %s value", ErrInvalidContent, c.Type)
	}
	switch c.Type {
	case DomainName:
		if strings.ContainsAny(c.Value, " /:") {
			return fmt.Errorf("%w: domain %q", ErrInvalidContent, c.Value)
		}
	case IPv4Addr:
		addr, err := netip.ParseAddr(c.Value)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%w: ipv4 address %q", ErrInvalidContent, c.Value)
		}
	case IPv6Addr:
		addr, err := netip.ParseAddr(c.Value)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("%w: ipv6 address %q", ErrInvalidContent, c.Value)
		}
	case URL:
		u, err := url.Parse(c.Value)
		if err != nil {
			return fmt.Errorf("%w: url %q: %v", ErrInvalidContent, c.Value, err)
		}
		if u.Scheme == "" {
			return fmt.Errorf("%w: url %q has no scheme", ErrInvalidContent, c.Value)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidContent, c.Type)
	}
	return nil
}

// RelatedDomain returns the domain-name content for the hostname of an
// http(s) URL, lowercased and in its ASCII (punycode) form so that it lands
// on the same record as the plain domain. Other types and schemes have no
// related domain.
func (c Content) RelatedDomain() (Content, bool) {
	if c.Type != URL {
		return Content{}, false
	}
	u, err := url.Parse(c.Value)
	if err != nil {
		return Content{}, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Content{}, false
	}
	host := u.Hostname()
	if host == "" {
		return Content{}, false
	}
	return Content{Type: DomainName, Value: normalizeHost(host)}, true
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	// Lookup rejects some hostnames browsers accept (underscores).
	return host
}

// ObservableType is the knowledge-base entity type for the content.
func (c Content) ObservableType() string {
	switch c.Type {
	case DomainName:
		return "Domain-Name"
	case IPv4Addr:
		return "IPv4-Addr"
	case IPv6Addr:
		return "IPv6-Addr"
	case URL:
		return "Url"
	}
	return ""
}

func (c Content) String() string {
	return string(c.Type) + ":" + c.Value
}
