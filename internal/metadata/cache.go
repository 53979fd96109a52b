// Package metadata resolves identity provider signing certificates from
// published SAML metadata, with an in-memory TTL cache in front of the
// network fetch.
package metadata

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/jonboulle/clockwork"
)

// ErrUnknownIssuer marks an issuer with no configured metadata URL.
var ErrUnknownIssuer = errors.New("unknown issuer")

type entry struct {
	certs   []*x509.Certificate
	expires time.Time
}

// Cache maps issuer entity IDs to their signing certificates. Entries are
// keyed by metadata URL so issuers sharing a metadata document share one
// fetch.
type Cache struct {
	client       *http.Client
	clock        clockwork.Clock
	mapping      map[string]string
	keyPrefixes  []string
	ttl          time.Duration
	federatorURL string
	federatorTTL time.Duration

	mu      sync.RWMutex
	entries map[string]entry
}

// Options configures a Cache.
type Options struct {
	Client *http.Client
	Clock  clockwork.Clock
	// Mapping maps issuer entity IDs, after prefix stripping, to metadata URLs.
	Mapping map[string]string
	// KeyPrefixes are stripped from inbound issuer values before lookup.
	KeyPrefixes []string
	TTL         time.Duration
	// FederatorURL points at the upstream federator's own metadata, used to
	// verify signed requests it relays.
	FederatorURL string
	FederatorTTL time.Duration
}

func NewCache(opts Options) *Cache {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		client:       client,
		clock:        clock,
		mapping:      opts.Mapping,
		keyPrefixes:  opts.KeyPrefixes,
		ttl:          opts.TTL,
		federatorURL: opts.FederatorURL,
		federatorTTL: opts.FederatorTTL,
		entries:      make(map[string]entry),
	}
}

// Certificates returns the signing certificates of the given issuer.
func (c *Cache) Certificates(ctx context.Context, issuer string) ([]*x509.Certificate, error) {
	key := issuer
	for _, prefix := range c.keyPrefixes {
		key = strings.ReplaceAll(key, prefix, "")
	}
	metadataURL, ok := c.mapping[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
	}
	return c.cachedFetch(ctx, metadataURL, c.ttl)
}

// FederatorCertificates returns the upstream federator's signing
// certificates.
func (c *Cache) FederatorCertificates(ctx context.Context) ([]*x509.Certificate, error) {
	if c.federatorURL == "" {
		return nil, fmt.Errorf("no federator metadata URL configured")
	}
	return c.cachedFetch(ctx, c.federatorURL, c.federatorTTL)
}

func (c *Cache) cachedFetch(ctx context.Context, metadataURL string, ttl time.Duration) ([]*x509.Certificate, error) {
	c.mu.RLock()
	e, ok := c.entries[metadataURL]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(e.expires) {
		return e.certs, nil
	}

	certs, err := c.fetch(ctx, metadataURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[metadataURL] = entry{certs: certs, expires: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	return certs, nil
}

func (c *Cache) fetch(ctx context.Context, metadataURL string) ([]*x509.Certificate, error) {
	parsed, err := url.Parse(metadataURL)
	if err != nil {
		return nil, fmt.Errorf("parse metadata URL %q: %w", metadataURL, err)
	}
	descriptor, err := samlsp.FetchMetadata(ctx, c.client, *parsed)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata from %s: %w", metadataURL, err)
	}
	certs := signingCertificates(descriptor)
	if len(certs) == 0 {
		return nil, fmt.Errorf("no signing certificates in metadata from %s", metadataURL)
	}
	return certs, nil
}

// signingCertificates extracts certificates with use="signing" or no use
// attribute, across both IdP and SP role descriptors.
func signingCertificates(descriptor *saml.EntityDescriptor) []*x509.Certificate {
	var kds []saml.KeyDescriptor
	for _, d := range descriptor.IDPSSODescriptors {
		kds = append(kds, d.KeyDescriptors...)
	}
	for _, d := range descriptor.SPSSODescriptors {
		kds = append(kds, d.KeyDescriptors...)
	}

	var certs []*x509.Certificate
	for _, kd := range kds {
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		for _, certData := range kd.KeyInfo.X509Data.X509Certificates {
			derBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(certData.Data))
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(derBytes)
			if err != nil {
				continue
			}
			certs = append(certs, cert)
		}
	}
	return certs
}

// StartRefresher re-fetches every configured metadata document on a fixed
// interval so expired entries are replaced before a login needs them. A
// failed refresh keeps the cached entry until its own TTL runs out.
func (c *Cache) StartRefresher(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(interval):
			}
			c.refreshAll(ctx)
		}
	}()
}

func (c *Cache) refreshAll(ctx context.Context) {
	urls := make(map[string]time.Duration)
	for _, metadataURL := range c.mapping {
		urls[metadataURL] = c.ttl
	}
	if c.federatorURL != "" {
		urls[c.federatorURL] = c.federatorTTL
	}

	for metadataURL, ttl := range urls {
		certs, err := c.fetch(ctx, metadataURL)
		if err != nil {
			slog.Warn("metadata refresh failed", "url", metadataURL, "error", err)
			continue
		}
		c.mu.Lock()
		c.entries[metadataURL] = entry{certs: certs, expires: c.clock.Now().Add(ttl)}
		c.mu.Unlock()
		slog.Debug("metadata refreshed", "url", metadataURL, "certs", len(certs))
	}
}
