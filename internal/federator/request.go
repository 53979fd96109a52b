package federator

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/spid-federator/proxy/internal/config"
	"github.com/spid-federator/proxy/internal/params"
	"github.com/spid-federator/proxy/internal/samlxml"
	"github.com/spid-federator/proxy/internal/signing"
)

// RequestService rewrites inbound AuthnRequests and LogoutRequests for the
// selected identity provider and builds the signed redirect URL.
type RequestService struct {
	cfg     *config.Config
	keys    *signing.Holder
	tracker *Tracker
}

// NewRequestService builds a RequestService. tracker may be nil when
// request tracking is disabled.
func NewRequestService(cfg *config.Config, keys *signing.Holder, tracker *Tracker) *RequestService {
	return &RequestService{cfg: cfg, keys: keys, tracker: tracker}
}

// RedirectURL transforms the decoded request document and returns the full
// redirect URL toward the identity provider. Logout requests get a reduced
// transformation and carry no RelayState.
func (s *RequestService) RedirectURL(req Request, doc *etree.Document, referer string) (string, error) {
	idpURL, ok := s.cfg.IDP.URLs[req.IdentityProvider]
	if !ok {
		return "", fmt.Errorf("unknown identity provider %q", req.IdentityProvider)
	}

	logout := samlxml.IsLogoutRequest(doc)
	if logout {
		s.transformLogout(doc, req, idpURL)
	} else {
		s.transformSignIn(doc, req, idpURL, referer)
	}

	encoded, err := samlxml.EncodeRequest(doc)
	if err != nil {
		return "", fmt.Errorf("encode outgoing request: %w", err)
	}

	// The query is always re-signed with this proxy's key, so the outgoing
	// SigAlg reflects our signature, not the one the federator declared.
	sigAlg := samlxml.UpperCaseURLEncode(dsig.RSASHA256SignatureMethod)
	relayState := req.RelayState
	if logout {
		relayState = ""
	}
	signature, err := signing.SignQuery(s.keys.Current(), encoded, relayState, sigAlg)
	if err != nil {
		return "", err
	}

	var redirectURL string
	if logout {
		redirectURL = fmt.Sprintf("%s?SAMLRequest=%s&SigAlg=%s&Signature=%s", idpURL, encoded, sigAlg, signature)
	} else {
		redirectURL = fmt.Sprintf("%s?SAMLRequest=%s&RelayState=%s&SigAlg=%s&Signature=%s", idpURL, encoded, relayState, sigAlg, signature)
	}

	if s.tracker != nil && !logout {
		s.tracker.Add(samlxml.RequestID(doc))
	}

	slog.Info("outgoing request prepared",
		"identityProvider", req.IdentityProvider,
		"requestID", samlxml.RequestID(doc),
		"logout", logout)
	return redirectURL, nil
}

// PassThroughURL rebuilds the original request URL toward the identity
// provider without any transformation, used when the rewrite fails and the
// request should still reach the provider untouched.
func (s *RequestService) PassThroughURL(req Request) string {
	idpURL := s.cfg.IDP.URLs[req.IdentityProvider]
	return fmt.Sprintf("%s?SAMLRequest=%s&RelayState=%s&SigAlg=%s&Signature=%s",
		idpURL,
		samlxml.UpperCaseURLEncode(req.SAMLRequest),
		req.RelayState,
		req.SigAlg,
		samlxml.UpperCaseURLEncode(req.Signature))
}

func (s *RequestService) transformLogout(doc *etree.Document, req Request, idpURL string) {
	samlxml.SetDestination(doc, idpURL)
	samlxml.RemoveConsent(doc)
	samlxml.ChangeIssuer(doc, s.issuerEntityID(req))
}

func (s *RequestService) transformSignIn(doc *etree.Document, req Request, idpURL string, referer string) {
	refererSrc := params.FromReferer(referer)
	relaySrc := params.FromEmbedded("RelayState", refererSrc.Values, "RelayState")
	wctxSrc := params.FromEmbedded("wctx", refererSrc.Values, "wctx")
	sources := []params.Source{refererSrc, relaySrc, wctxSrc}

	acsSources := sources
	if s.cfg.ACS.DisableFromReferer {
		acsSources = sources[1:]
	}
	index := params.ResolveInt(s.cfg.ACS.IndexParam, acsSources, func(v int) bool {
		return slices.Contains(s.cfg.ACS.ValidIndexes, v)
	}, s.cfg.ACS.DefaultIndex)
	index = req.AttributeConsumingService(s.cfg.ACS.CIEIndex, s.cfg.ACS.EIDASIndex, index)
	samlxml.SetAttributeConsumingServiceIndex(doc, index)

	samlxml.SetDestination(doc, idpURL)
	samlxml.RemoveConsent(doc)
	samlxml.RemoveIsPassive(doc)
	samlxml.ChangeIssuer(doc, s.issuerEntityID(req))

	defaultLevel := s.cfg.SPID.DefaultLevel
	defaultComparison := s.cfg.SPID.DefaultComparison
	if req.IsCIE() {
		defaultLevel = s.cfg.CIE.DefaultLevel
		defaultComparison = s.cfg.CIE.DefaultComparison
	}
	level := params.ResolveInt(s.cfg.SPID.LevelParam, sources, func(v int) bool {
		return slices.Contains(s.cfg.SPID.ValidLevels, v)
	}, defaultLevel)
	levelURI := fmt.Sprintf(s.cfg.SPID.LevelURIFormat, level)

	if !samlxml.HasRequestedAuthnContext(doc) {
		samlxml.AddRequestedAuthnContext(doc)
	} else {
		samlxml.RemoveUncompliantAuthnContextClassRefs(doc)
	}

	samlxml.SetForceAuthn(doc)
	comparison := params.Resolve(s.cfg.SPID.ComparisonParam, sources, func(v string) bool {
		return slices.Contains(s.cfg.SPID.ValidComparisons, v)
	}, defaultComparison)
	samlxml.SetComparison(doc, comparison)
	samlxml.SetAuthnContextClassRefIfNotPresent(doc, levelURI)

	if s.cfg.ACS.UpdateAssertionConsumerServiceURL {
		samlxml.UpdateAssertionConsumerServiceURL(doc, s.cfg.Federator.ProxyACSURL())
	}

	purpose := params.Resolve(s.cfg.SPID.PurposeParam, sources, func(v string) bool {
		return slices.Contains(s.cfg.SPID.ValidPurposes, v)
	}, "")
	if purpose != "" {
		samlxml.AddExtensionsAndPurposeIfNotPresent(doc, purpose)
	}
}

func (s *RequestService) issuerEntityID(req Request) string {
	if req.IsCIE() {
		return s.cfg.Federator.CIEEntityID
	}
	return s.cfg.Federator.SPIDEntityID
}
