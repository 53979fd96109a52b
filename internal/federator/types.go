// Package federator implements the SAML intermediary flows: it rewrites
// AuthnRequests from the downstream federator for the SPID and CIE identity
// providers, and validates, alters and re-signs the responses on the way
// back.
package federator

import (
	"strings"

	"github.com/spid-federator/proxy/internal/samlxml"
)

// Request carries the inbound redirect binding parameters. RelayState and
// SigAlg are kept percent-encoded with uppercase hex so they can be copied
// into the outgoing redirect as-is; SAMLRequest and Signature are kept as
// decoded query values.
type Request struct {
	IdentityProvider string
	SAMLRequest      string
	RelayState       string
	SigAlg           string
	Signature        string
}

// NewRequest normalizes the raw query values of the proxy entry endpoint.
func NewRequest(identityProvider, samlRequest, relayState, sigAlg, signature string) Request {
	return Request{
		IdentityProvider: strings.ToUpper(identityProvider),
		SAMLRequest:      samlRequest,
		RelayState:       samlxml.UpperCaseURLEncode(relayState),
		SigAlg:           samlxml.UpperCaseURLEncode(sigAlg),
		Signature:        signature,
	}
}

// IsCIE reports whether the request targets the CIE identity provider.
func (r Request) IsCIE() bool {
	return r.IdentityProvider == "CIE" || r.IdentityProvider == "CIETEST"
}

// IsEIDAS reports whether the request targets the eIDAS gateway.
func (r Request) IsEIDAS() bool {
	return r.IdentityProvider == "EIDAS" || r.IdentityProvider == "EIDASTEST"
}

// AttributeConsumingService picks the index for the outgoing request. CIE
// and eIDAS publish dedicated entries in the proxy metadata; everything else
// uses the resolved SPID index.
func (r Request) AttributeConsumingService(cieIndex, eidasIndex, resolved int) int {
	switch {
	case r.IsCIE():
		return cieIndex
	case r.IsEIDAS():
		return eidasIndex
	default:
		return resolved
	}
}

// SPIDError is rendered on the courtesy page when the provider reports a
// non-success status or the response signature cannot be trusted.
type SPIDError struct {
	StatusCode          string
	StatusMessage       string
	UserFriendlyMessage string
}
