package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/spid-federator/proxy/internal/samlxml"
)

var (
	// ErrNoQuerySignature is returned when the query lacks Signature or SigAlg.
	ErrNoQuerySignature = errors.New("query Signature or SigAlg not found")
	// ErrInvalidQuerySignature is returned when no trusted certificate
	// verifies the query signature.
	ErrInvalidQuerySignature = errors.New("invalid query signature")
)

// SignQuery signs the HTTP-Redirect binding query with the proxy key.
// Parameter values must already be percent-encoded exactly as they will
// appear in the redirect URL; the signature is computed over the encoded
// form. Returns the base64 signature, percent-encoded with uppercase hex.
func SignQuery(kp *KeyPair, samlRequest, relayState, sigAlg string) (string, error) {
	toSign := "SAMLRequest=" + samlRequest
	if relayState != "" {
		toSign += "&RelayState=" + relayState
	}
	toSign += "&SigAlg=" + sigAlg

	sig, err := signingContext(kp).SignString(toSign)
	if err != nil {
		return "", fmt.Errorf("sign redirect query: %w", err)
	}
	return samlxml.UpperCaseURLEncode(base64.StdEncoding.EncodeToString(sig)), nil
}

// VerifyQuery validates a redirect binding signature using the raw query
// string exactly as transmitted. Re-encoding the parameters would break
// verification whenever the sender's percent-encoding differs from ours.
func VerifyQuery(rawQuery string, certs []*x509.Certificate) error {
	sig := rawQueryParam(rawQuery, "Signature")
	alg := rawQueryParam(rawQuery, "SigAlg")
	if sig == "" || alg == "" {
		return ErrNoQuerySignature
	}
	samlRequest := rawQueryParam(rawQuery, "SAMLRequest")
	if samlRequest == "" {
		return fmt.Errorf("no SAMLRequest found in query")
	}

	signedData := "SAMLRequest=" + samlRequest
	if relay := rawQueryParam(rawQuery, "RelayState"); relay != "" {
		signedData += "&RelayState=" + relay
	}
	signedData += "&SigAlg=" + alg

	decodedSig, err := url.QueryUnescape(sig)
	if err != nil {
		return fmt.Errorf("unescape Signature: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(decodedSig)
	if err != nil {
		return fmt.Errorf("decode Signature: %w", err)
	}
	decodedAlg, err := url.QueryUnescape(alg)
	if err != nil {
		return fmt.Errorf("unescape SigAlg: %w", err)
	}

	hash, hashed, err := hashForAlgorithm(decodedAlg, []byte(signedData))
	if err != nil {
		return err
	}

	for _, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, hash, hashed, sigBytes) == nil {
			return nil
		}
	}
	return ErrInvalidQuerySignature
}

func hashForAlgorithm(alg string, data []byte) (crypto.Hash, []byte, error) {
	switch alg {
	case dsig.RSASHA256SignatureMethod:
		h := sha256.Sum256(data)
		return crypto.SHA256, h[:], nil
	case dsig.RSASHA512SignatureMethod:
		h := sha512.Sum512(data)
		return crypto.SHA512, h[:], nil
	case dsig.RSASHA1SignatureMethod:
		h := sha1.Sum(data) // #nosec G401
		return crypto.SHA1, h[:], nil
	default:
		return 0, nil, fmt.Errorf("unsupported signature algorithm: %s", alg)
	}
}

// rawQueryParam extracts a parameter value from the raw query string
// without decoding it.
func rawQueryParam(rawQuery, name string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		if v, ok := strings.CutPrefix(pair, name+"="); ok {
			return v
		}
	}
	return ""
}
