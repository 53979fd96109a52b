package signing

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/spid-federator/proxy/internal/samlxml"
)

// VerifyElement validates the enveloped signature on el against the trusted
// certificates. Any of the certificates may have produced the signature;
// identity providers publish several during key rollover. Each certificate
// is tried with its own single-root store so a signature without KeyInfo
// still resolves to a key.
func VerifyElement(el *etree.Element, certs []*x509.Certificate) error {
	if err := checkReferenceURI(el); err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("no trusted certificates")
	}
	var lastErr error
	for _, cert := range certs {
		store := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
		if _, err := dsig.NewDefaultValidationContext(store).Validate(el); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// checkReferenceURI guards against signature wrapping: a non-empty
// reference URI must be a fragment pointing at the signed element's own ID.
func checkReferenceURI(el *etree.Element) error {
	sig := samlxml.ChildByTag(el, "Signature")
	if sig == nil {
		return dsig.ErrMissingSignature
	}
	signedInfo := samlxml.ChildByTag(sig, "SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("signature has no SignedInfo")
	}
	ref := samlxml.ChildByTag(signedInfo, "Reference")
	if ref == nil {
		return fmt.Errorf("no references in Signature element")
	}
	uri := ref.SelectAttrValue("URI", "")
	if uri == "" {
		// An empty URI signs the whole document, which is acceptable.
		return nil
	}
	if !strings.HasPrefix(uri, "#") {
		return fmt.Errorf("signature reference URI %q is not a document fragment reference", uri)
	}
	id := el.SelectAttrValue("ID", "")
	if id == "" || uri[1:] != id {
		return fmt.Errorf("reference URI %q does not match expected id %q", uri[1:], id)
	}
	return nil
}

// VerifyResponse checks the Response signature and, unless skipped, the
// inner Assertion signature. Both must verify against the same trust set.
// A response without an Assertion passes the assertion step, matching the
// behavior expected for error responses.
func VerifyResponse(doc *etree.Document, certs []*x509.Certificate, skipAssertion bool) error {
	if err := VerifyElement(doc.Root(), certs); err != nil {
		return fmt.Errorf("response signature: %w", err)
	}
	if skipAssertion {
		return nil
	}
	assertion := samlxml.FirstDescendant(doc.Root(), "Assertion")
	if assertion == nil {
		return nil
	}
	if err := VerifyElement(assertion, certs); err != nil {
		return fmt.Errorf("assertion signature: %w", err)
	}
	return nil
}
