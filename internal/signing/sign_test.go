package signing

import (
	"crypto/x509"
	"errors"
	"testing"

	"github.com/beevik/etree"

	"github.com/spid-federator/proxy/internal/samlxml"
)

const unsignedResponse = `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_resp1" Version="2.0"><saml:Issuer>https://idp.example.org</saml:Issuer><samlp:Status><samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></samlp:Status><saml:Assertion ID="_a1" Version="2.0"><saml:Issuer>https://idp.example.org</saml:Issuer><saml:AttributeStatement><saml:Attribute Name="fiscalNumber"><saml:AttributeValue>TINIT-X</saml:AttributeValue></saml:Attribute></saml:AttributeStatement></saml:Assertion></samlp:Response>`

func parseDoc(t *testing.T, raw string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func mustGenerate(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func TestSignaturePlacement(t *testing.T) {
	kp := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)

	if err := SignAssertion(doc, kp); err != nil {
		t.Fatalf("SignAssertion() error = %v", err)
	}
	if err := SignResponse(doc, kp); err != nil {
		t.Fatalf("SignResponse() error = %v", err)
	}

	assertion := samlxml.FirstDescendant(doc.Root(), "Assertion")
	children := assertion.ChildElements()
	if len(children) < 2 || children[0].Tag != "Issuer" || children[1].Tag != "Signature" {
		t.Errorf("assertion signature not placed right after Issuer: %v", tags(children))
	}

	rootChildren := doc.Root().ChildElements()
	statusIdx, sigIdx := -1, -1
	for i, c := range rootChildren {
		switch c.Tag {
		case "Status":
			statusIdx = i
		case "Signature":
			sigIdx = i
		}
	}
	if sigIdx < 0 || statusIdx < 0 || sigIdx != statusIdx-1 {
		t.Errorf("response signature not placed right before Status: %v", tags(rootChildren))
	}
}

func tags(els []*etree.Element) []string {
	out := make([]string, len(els))
	for i, e := range els {
		out[i] = e.Tag
	}
	return out
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	kp := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)

	if err := SignAssertion(doc, kp); err != nil {
		t.Fatalf("SignAssertion() error = %v", err)
	}
	if err := SignResponse(doc, kp); err != nil {
		t.Fatalf("SignResponse() error = %v", err)
	}

	// Serialize and re-parse: verification must survive the wire format.
	raw, err := doc.WriteToString()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reparsed := parseDoc(t, raw)

	if err := VerifyResponse(reparsed, certsOf(kp), false); err != nil {
		t.Errorf("VerifyResponse() with signer cert error = %v", err)
	}

	other := mustGenerate(t)
	if err := VerifyResponse(reparsed, certsOf(other), false); err == nil {
		t.Error("VerifyResponse() with unrelated cert expected error, got nil")
	}
}

func TestSignAssertionInheritedNamespaces(t *testing.T) {
	kp := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)

	// The fixture declares samlp and saml on the Response root only, the
	// shape identity providers actually send. Signing must still work and
	// leave the assertion subtree self-contained.
	if err := SignAssertion(doc, kp); err != nil {
		t.Fatalf("SignAssertion() error = %v", err)
	}
	assertion := samlxml.FirstDescendant(doc.Root(), "Assertion")
	if assertion.SelectAttrValue("xmlns:saml", "") == "" {
		t.Error("assertion does not declare the saml namespace it uses")
	}

	if err := SignResponse(doc, kp); err != nil {
		t.Fatalf("SignResponse() error = %v", err)
	}

	raw, err := doc.WriteToString()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := VerifyResponse(parseDoc(t, raw), certsOf(kp), false); err != nil {
		t.Errorf("VerifyResponse() after reparse error = %v", err)
	}
}

func TestVerifyResponseWithoutKeyInfo(t *testing.T) {
	kp := mustGenerate(t)
	other := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)

	// Strip each KeyInfo before the next signature digests it: the
	// verifier must fall back to the published certificates even when
	// several are in rotation.
	if err := SignAssertion(doc, kp); err != nil {
		t.Fatalf("SignAssertion() error = %v", err)
	}
	removeKeyInfo(doc)
	if err := SignResponse(doc, kp); err != nil {
		t.Fatalf("SignResponse() error = %v", err)
	}
	removeKeyInfo(doc)
	raw, err := doc.WriteToString()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reparsed := parseDoc(t, raw)

	if err := VerifyResponse(reparsed, certsOf(other, kp), false); err != nil {
		t.Errorf("VerifyResponse() with rollover cert set error = %v", err)
	}
	if err := VerifyResponse(reparsed, certsOf(other), false); err == nil {
		t.Error("VerifyResponse() with unrelated cert expected error, got nil")
	}
}

func TestVerifyElementMissingSignature(t *testing.T) {
	kp := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)

	err := VerifyElement(doc.Root(), certsOf(kp))
	if err == nil {
		t.Fatal("VerifyElement() on unsigned document expected error")
	}
}

func TestVerifyElementReferenceURIMismatch(t *testing.T) {
	kp := mustGenerate(t)
	doc := parseDoc(t, unsignedResponse)
	if err := SignResponse(doc, kp); err != nil {
		t.Fatalf("SignResponse() error = %v", err)
	}

	// Point the reference at a different element ID. Even with an intact
	// digest chain the verifier must reject the detached reference.
	sig := samlxml.FirstDescendant(doc.Root(), "Signature")
	ref := samlxml.FirstDescendant(sig, "Reference")
	ref.CreateAttr("URI", "#_a1")

	err := VerifyElement(doc.Root(), certsOf(kp))
	if err == nil {
		t.Fatal("VerifyElement() with mismatched reference URI expected error")
	}
}

func TestSignQueryVerifyQueryRoundTrip(t *testing.T) {
	kp := mustGenerate(t)
	sigAlg := samlxml.UpperCaseURLEncode("http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")
	samlRequest := samlxml.UpperCaseURLEncode("fZFBa8JAEIX=")
	relayState := samlxml.UpperCaseURLEncode("https://sp.example.org/return")

	signature, err := SignQuery(kp, samlRequest, relayState, sigAlg)
	if err != nil {
		t.Fatalf("SignQuery() error = %v", err)
	}

	rawQuery := "SAMLRequest=" + samlRequest + "&RelayState=" + relayState + "&SigAlg=" + sigAlg + "&Signature=" + signature

	if err := VerifyQuery(rawQuery, certsOf(kp)); err != nil {
		t.Errorf("VerifyQuery() with signer cert error = %v", err)
	}

	other := mustGenerate(t)
	if err := VerifyQuery(rawQuery, certsOf(other)); !errors.Is(err, ErrInvalidQuerySignature) {
		t.Errorf("VerifyQuery() with unrelated cert error = %v, want ErrInvalidQuerySignature", err)
	}

	noSig := "SAMLRequest=" + samlRequest + "&SigAlg=" + sigAlg
	if err := VerifyQuery(noSig, certsOf(kp)); !errors.Is(err, ErrNoQuerySignature) {
		t.Errorf("VerifyQuery() without Signature error = %v, want ErrNoQuerySignature", err)
	}
}

func TestHolderKeepsPairOnFailedReload(t *testing.T) {
	kp := mustGenerate(t)
	h := NewStaticHolder(kp)

	if got := h.Current(); got != kp {
		t.Fatalf("Current() = %p, want %p", got, kp)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("Reload() without file paths expected error")
	}
	if got := h.Current(); got != kp {
		t.Errorf("Current() after failed reload = %p, want previous pair", got)
	}
}

func removeKeyInfo(doc *etree.Document) {
	for _, keyInfo := range samlxml.Descendants(doc.Root(), "KeyInfo") {
		keyInfo.Parent().RemoveChild(keyInfo)
	}
}

func certsOf(kps ...*KeyPair) []*x509.Certificate {
	certs := make([]*x509.Certificate, len(kps))
	for i, kp := range kps {
		certs[i] = kp.Cert
	}
	return certs
}
