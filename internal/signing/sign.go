// Package signing produces and verifies the XML and redirect-query
// signatures of the SAML profile: enveloped RSA-SHA256 signatures with
// exclusive canonicalization over assertions and responses, and the
// deprecated-but-mandated detached signature of the HTTP-Redirect binding.
package signing

import (
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/spid-federator/proxy/internal/samlxml"
)

func signingContext(kp *KeyPair) *dsig.SigningContext {
	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(kp.tlsCertificate()))
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	return ctx
}

// declareInheritedNamespaces copies namespace declarations made on ancestors
// onto el. The canonicalizer digests el in isolation, so every prefix the
// subtree uses must be declared on the element itself or signing fails with
// an undeclared-prefix error.
func declareInheritedNamespaces(el *etree.Element) {
	for parent := el.Parent(); parent != nil; parent = parent.Parent() {
		for _, attr := range parent.Attr {
			if attr.Space != "xmlns" && !(attr.Space == "" && attr.Key == "xmlns") {
				continue
			}
			if declaresNamespace(el, attr) {
				continue
			}
			el.CreateAttr(attr.FullKey(), attr.Value)
		}
	}
}

func declaresNamespace(el *etree.Element, decl etree.Attr) bool {
	for _, attr := range el.Attr {
		if attr.Space == decl.Space && attr.Key == decl.Key {
			return true
		}
	}
	return false
}

// SignAssertion computes an enveloped signature over the Assertion and
// inserts it right after the assertion Issuer, where the SPID profile wants
// it. Must run before SignResponse so the response digest covers the
// assertion signature.
func SignAssertion(doc *etree.Document, kp *KeyPair) error {
	assertion := samlxml.FirstDescendant(doc.Root(), "Assertion")
	if assertion == nil {
		return fmt.Errorf("no Assertion to sign")
	}
	declareInheritedNamespaces(assertion)
	sig, err := signingContext(kp).ConstructSignature(assertion, true)
	if err != nil {
		return fmt.Errorf("construct assertion signature: %w", err)
	}
	issuer := samlxml.ChildByTag(assertion, "Issuer")
	if issuer == nil {
		return fmt.Errorf("assertion has no Issuer")
	}
	assertion.InsertChildAt(issuer.Index()+1, sig)
	return nil
}

// SignResponse signs the whole Response and places the signature before the
// Status element.
func SignResponse(doc *etree.Document, kp *KeyPair) error {
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("empty document")
	}
	declareInheritedNamespaces(root)
	sig, err := signingContext(kp).ConstructSignature(root, true)
	if err != nil {
		return fmt.Errorf("construct response signature: %w", err)
	}
	status := samlxml.ChildByTag(root, "Status")
	if status == nil {
		return fmt.Errorf("response has no Status")
	}
	root.InsertChildAt(status.Index(), sig)
	return nil
}
