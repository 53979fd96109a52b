package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// KeyPair holds the proxy signing key and certificate.
type KeyPair struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// LoadKeyPair loads a certificate and private key from PEM files.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load X509 key pair: %w", err)
	}

	rsaKey, ok := tlsCert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &KeyPair{Key: rsaKey, Cert: cert}, nil
}

// GenerateKeyPair generates a self-signed signing pair, for tests and local
// development only.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &KeyPair{Key: key, Cert: cert}, nil
}

// tlsCertificate adapts the pair for goxmldsig's TLS key store.
func (kp *KeyPair) tlsCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{kp.Cert.Raw},
		PrivateKey:  kp.Key,
		Leaf:        kp.Cert,
	}
}

// Holder gives request handlers a stable view of the signing material while
// a background goroutine reloads it from disk. Readers always see a fully
// built pair.
type Holder struct {
	certPath string
	keyPath  string
	current  atomic.Pointer[KeyPair]
}

// NewHolder loads the pair once and fails fast when the files are unusable.
func NewHolder(certPath, keyPath string) (*Holder, error) {
	h := &Holder{certPath: certPath, keyPath: keyPath}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// NewStaticHolder wraps an already built pair, for tests.
func NewStaticHolder(kp *KeyPair) *Holder {
	h := &Holder{}
	h.current.Store(kp)
	return h
}

// Current returns the active signing pair.
func (h *Holder) Current() *KeyPair {
	return h.current.Load()
}

// Reload re-reads the pair from disk and swaps it in.
func (h *Holder) Reload() error {
	kp, err := LoadKeyPair(h.certPath, h.keyPath)
	if err != nil {
		return err
	}
	h.current.Store(kp)
	return nil
}

// StartReloader periodically reloads the signing files so a rotated
// certificate is picked up without a restart. A failed reload keeps the
// previous pair.
func (h *Holder) StartReloader(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-clock.After(interval):
			}
			if err := h.Reload(); err != nil {
				slog.Warn("signing certificate reload failed, keeping previous", "error", err)
				continue
			}
			slog.Debug("signing certificate reloaded", "path", h.certPath)
		}
	}()
}
