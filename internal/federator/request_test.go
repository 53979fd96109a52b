package federator

import (
	"crypto/x509"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/spid-federator/proxy/internal/config"
	"github.com/spid-federator/proxy/internal/samlxml"
	"github.com/spid-federator/proxy/internal/signing"
)

const (
	posteIDPURL = "https://posteid.poste.it/jod-fs/ssoservicepost"
	cieIDPURL   = "https://idserver.servizicie.interno.gov.it/idp/profile/SAML2/Redirect/SSO"
)

func testConfig() *config.Config {
	return &config.Config{
		Federator: config.FederatorConfig{
			EntityID:                    "https://federator.example.org/adfs/services/trust",
			SPIDEntityID:                "https://proxy.example.org/spid",
			CIEEntityID:                 "https://proxy.example.org/cie",
			BaseHost:                    "proxy.example.org",
			AttributeConsumerServiceURL: "https://federator.example.org/adfs/ls/",
		},
		IDP: config.IDPConfig{URLs: map[string]string{
			"POSTE": posteIDPURL,
			"CIE":   cieIDPURL,
		}},
		SPID: config.SPIDConfig{
			DefaultLevel:                       2,
			ValidLevels:                        []int{1, 2, 3},
			LevelURIFormat:                     "https://www.spid.gov.it/SpidL%d",
			LevelParam:                         "spidLevel",
			PurposeParam:                       "Purpose",
			ValidPurposes:                      []string{"P", "LP", "PG", "PF", "X"},
			DefaultComparison:                  "minimum",
			ComparisonParam:                    "spidComparison",
			ValidComparisons:                   []string{"exact", "minimum", "maximum", "better"},
			AssertionIssueInstantToleranceMins: 5,
		},
		CIE: config.CIEConfig{DefaultLevel: 2, DefaultComparison: "minimum"},
		ACS: config.ACSConfig{
			DefaultIndex:                      0,
			ValidIndexes:                      []int{0, 1, 2},
			IndexParam:                        "AttributeConsumingServiceIndex",
			CIEIndex:                          1,
			EIDASIndex:                        99,
			UpdateAssertionConsumerServiceURL: true,
		},
		Checks: config.ChecksConfig{SkipSignaturesValidation: true, RequestTTLMins: 10},
		Errors: config.ErrorsConfig{Messages: map[string]string{
			"19": "Troppi tentativi di autenticazione errati",
			"22": "Consenso negato",
		}},
	}
}

const incomingAuthnRequest = `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_req1" Version="2.0" IssueInstant="2026-03-15T10:29:00Z" Destination="https://proxy.example.org/proxy/index/POSTE" AssertionConsumerServiceURL="https://federator.example.org/adfs/ls/" Consent="urn:oasis:names:tc:SAML:2.0:consent:unspecified" IsPassive="false"><saml:Issuer Format="urn:oasis:names:tc:SAML:2.0:nameid-format:entity">https://federator.example.org/adfs/services/trust</saml:Issuer><samlp:NameIDPolicy Format="urn:oasis:names:tc:SAML:2.0:nameid-format:transient"/></samlp:AuthnRequest>`

const incomingLogoutRequest = `<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_logout1" Version="2.0" IssueInstant="2026-03-15T10:29:00Z" Consent="urn:oasis:names:tc:SAML:2.0:consent:unspecified"><saml:Issuer>https://federator.example.org/adfs/services/trust</saml:Issuer><saml:NameID>_nameid</saml:NameID></samlp:LogoutRequest>`

func parseRequestDoc(t *testing.T, raw string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func newRequestService(t *testing.T, cfg *config.Config) (*RequestService, *signing.KeyPair, *Tracker) {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	tracker := NewTracker(clockwork.NewFakeClock(), 10*time.Minute)
	return NewRequestService(cfg, signing.NewStaticHolder(kp), tracker), kp, tracker
}

func TestRedirectURLSignIn(t *testing.T) {
	cfg := testConfig()
	svc, kp, tracker := newRequestService(t, cfg)

	req := NewRequest("poste", "ignored", "relay-state-123", "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256", "")
	doc := parseRequestDoc(t, incomingAuthnRequest)

	redirectURL, err := svc.RedirectURL(req, doc, "https://app.example.org/login?spidLevel=1&Purpose=LP")
	if err != nil {
		t.Fatalf("RedirectURL() error = %v", err)
	}
	if !strings.HasPrefix(redirectURL, posteIDPURL+"?") {
		t.Fatalf("RedirectURL() = %q, want prefix %q", redirectURL, posteIDPURL)
	}

	rawQuery := redirectURL[strings.Index(redirectURL, "?")+1:]
	if err := signing.VerifyQuery(rawQuery, []*x509.Certificate{kp.Cert}); err != nil {
		t.Errorf("VerifyQuery() on outgoing redirect error = %v", err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("parse redirect URL: %v", err)
	}
	query := parsed.Query()
	if query.Get("RelayState") != "relay-state-123" {
		t.Errorf("RelayState = %q", query.Get("RelayState"))
	}

	outDoc, err := samlxml.DecodeRequest(query.Get("SAMLRequest"))
	if err != nil {
		t.Fatalf("DecodeRequest(outgoing) error = %v", err)
	}
	root := outDoc.Root()
	if got := root.SelectAttrValue("Destination", ""); got != posteIDPURL {
		t.Errorf("Destination = %q, want %q", got, posteIDPURL)
	}
	if root.SelectAttr("Consent") != nil || root.SelectAttr("IsPassive") != nil {
		t.Error("Consent or IsPassive survived the rewrite")
	}
	if got := root.SelectAttrValue("ForceAuthn", ""); got != "true" {
		t.Errorf("ForceAuthn = %q, want true", got)
	}
	if got := root.SelectAttrValue("AttributeConsumingServiceIndex", ""); got != "0" {
		t.Errorf("AttributeConsumingServiceIndex = %q, want 0", got)
	}
	if got := root.SelectAttrValue("AssertionConsumerServiceURL", ""); got != cfg.Federator.ProxyACSURL() {
		t.Errorf("AssertionConsumerServiceURL = %q, want %q", got, cfg.Federator.ProxyACSURL())
	}
	if got := samlxml.FirstDescendant(root, "Issuer").Text(); got != cfg.Federator.SPIDEntityID {
		t.Errorf("Issuer = %q, want %q", got, cfg.Federator.SPIDEntityID)
	}
	rac := samlxml.FirstDescendant(root, "RequestedAuthnContext")
	if rac == nil {
		t.Fatal("no RequestedAuthnContext in outgoing request")
	}
	if got := rac.SelectAttrValue("Comparison", ""); got != "minimum" {
		t.Errorf("Comparison = %q, want minimum", got)
	}
	if got := samlxml.FirstDescendant(rac, "AuthnContextClassRef").Text(); got != "https://www.spid.gov.it/SpidL1" {
		t.Errorf("AuthnContextClassRef = %q, want SpidL1 from Referer", got)
	}
	if got := samlxml.FirstDescendant(root, "Purpose").Text(); got != "LP" {
		t.Errorf("Purpose = %q, want LP", got)
	}

	if !tracker.Known("_req1") {
		t.Error("forwarded request ID not tracked")
	}
}

func TestRedirectURLCIE(t *testing.T) {
	cfg := testConfig()
	svc, _, _ := newRequestService(t, cfg)

	doc := parseRequestDoc(t, incomingAuthnRequest)
	redirectURL, err := svc.RedirectURL(NewRequest("cie", "", "", "", ""), doc, "")
	if err != nil {
		t.Fatalf("RedirectURL() error = %v", err)
	}
	if !strings.HasPrefix(redirectURL, cieIDPURL+"?") {
		t.Fatalf("RedirectURL() = %q, want CIE endpoint", redirectURL)
	}

	parsed, _ := url.Parse(redirectURL)
	outDoc, err := samlxml.DecodeRequest(parsed.Query().Get("SAMLRequest"))
	if err != nil {
		t.Fatalf("DecodeRequest(outgoing) error = %v", err)
	}
	if got := samlxml.FirstDescendant(outDoc.Root(), "Issuer").Text(); got != cfg.Federator.CIEEntityID {
		t.Errorf("Issuer = %q, want CIE entity %q", got, cfg.Federator.CIEEntityID)
	}
	if got := outDoc.Root().SelectAttrValue("AttributeConsumingServiceIndex", ""); got != "1" {
		t.Errorf("AttributeConsumingServiceIndex = %q, want CIE index 1", got)
	}
}

func TestRedirectURLLogout(t *testing.T) {
	cfg := testConfig()
	svc, _, tracker := newRequestService(t, cfg)

	doc := parseRequestDoc(t, incomingLogoutRequest)
	redirectURL, err := svc.RedirectURL(NewRequest("poste", "", "relay", "", ""), doc, "")
	if err != nil {
		t.Fatalf("RedirectURL() error = %v", err)
	}
	if strings.Contains(redirectURL, "RelayState=") {
		t.Errorf("logout redirect carries RelayState: %q", redirectURL)
	}
	if tracker.Known("_logout1") {
		t.Error("logout request ID tracked, only sign-ins are")
	}
}

func TestRedirectURLUnknownProvider(t *testing.T) {
	svc, _, _ := newRequestService(t, testConfig())
	doc := parseRequestDoc(t, incomingAuthnRequest)
	if _, err := svc.RedirectURL(NewRequest("ROGUE", "", "", "", ""), doc, ""); err == nil {
		t.Fatal("RedirectURL() with unknown provider expected error")
	}
}

func TestPassThroughURL(t *testing.T) {
	svc, _, _ := newRequestService(t, testConfig())

	req := NewRequest("poste", "abc+/==", "relay state", "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256", "sig+/==")
	got := svc.PassThroughURL(req)

	want := posteIDPURL +
		"?SAMLRequest=abc%2B%2F%3D%3D" +
		"&RelayState=relay+state" +
		"&SigAlg=http%3A%2F%2Fwww.w3.org%2F2001%2F04%2Fxmldsig-more%23rsa-sha256" +
		"&Signature=sig%2B%2F%3D%3D"
	if got != want {
		t.Errorf("PassThroughURL() = %q, want %q", got, want)
	}
}
