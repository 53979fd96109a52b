package samlxml

import (
	"slices"
	"strconv"

	"github.com/beevik/etree"
)

// IsLogoutRequest reports whether the document root is a LogoutRequest.
func IsLogoutRequest(doc *etree.Document) bool {
	root := doc.Root()
	return root != nil && root.Tag == "LogoutRequest"
}

// RequestID returns the ID attribute of the request root element.
func RequestID(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	return root.SelectAttrValue("ID", "")
}

// SetDestination points the request at the identity provider endpoint.
func SetDestination(doc *etree.Document, destination string) {
	doc.Root().CreateAttr("Destination", destination)
}

// RemoveConsent drops the Consent attribute from the request root.
func RemoveConsent(doc *etree.Document) {
	doc.Root().RemoveAttr("Consent")
}

// RemoveIsPassive drops the IsPassive attribute from the request root.
func RemoveIsPassive(doc *etree.Document) {
	doc.Root().RemoveAttr("IsPassive")
}

// ChangeIssuer rewrites the Issuer element to the given entity ID and pins
// the Format and NameQualifier attributes the SPID profile requires.
// Requests without an Issuer are left untouched.
func ChangeIssuer(doc *etree.Document, entityID string) {
	issuer := FirstDescendant(doc.Root(), "Issuer")
	if issuer == nil {
		return
	}
	issuer.CreateAttr("Format", NameIDFormatEntity)
	issuer.CreateAttr("NameQualifier", entityID)
	issuer.SetText(entityID)
}

// SetAttributeConsumingServiceIndex sets or creates the index attribute on
// the request root.
func SetAttributeConsumingServiceIndex(doc *etree.Document, index int) {
	doc.Root().CreateAttr("AttributeConsumingServiceIndex", strconv.Itoa(index))
}

// HasRequestedAuthnContext reports whether the request already carries a
// RequestedAuthnContext element.
func HasRequestedAuthnContext(doc *etree.Document) bool {
	return FirstDescendant(doc.Root(), "RequestedAuthnContext") != nil
}

// AddRequestedAuthnContext appends an empty RequestedAuthnContext to the
// request root. The class reference is filled in separately by
// SetAuthnContextClassRefIfNotPresent.
func AddRequestedAuthnContext(doc *etree.Document) {
	root := doc.Root()
	root.CreateElement(prefixedTag(root, "RequestedAuthnContext"))
}

// SetAuthnContextClassRefIfNotPresent adds an AuthnContextClassRef with the
// given value when the request has none. Existing references are kept.
func SetAuthnContextClassRefIfNotPresent(doc *etree.Document, classRef string) {
	root := doc.Root()
	if FirstDescendant(root, "AuthnContextClassRef") != nil {
		return
	}
	rac := FirstDescendant(root, "RequestedAuthnContext")
	if rac == nil {
		return
	}
	ref := rac.CreateElement(prefixedTag(FirstDescendant(root, "Issuer"), "AuthnContextClassRef"))
	ref.SetText(classRef)
}

// RemoveUncompliantAuthnContextClassRefs removes every AuthnContextClassRef
// whose value is not one of the SPID level URIs.
func RemoveUncompliantAuthnContextClassRefs(doc *etree.Document) {
	for _, ref := range Descendants(doc.Root(), "AuthnContextClassRef") {
		if !slices.Contains(SPIDLevelURIs, ref.Text()) {
			ref.Parent().RemoveChild(ref)
		}
	}
}

// SetForceAuthn forces re-authentication at the identity provider.
func SetForceAuthn(doc *etree.Document) {
	doc.Root().CreateAttr("ForceAuthn", "true")
}

// SetComparison sets or creates the Comparison attribute of the
// RequestedAuthnContext. No-op when the element is absent.
func SetComparison(doc *etree.Document, comparison string) {
	rac := FirstDescendant(doc.Root(), "RequestedAuthnContext")
	if rac == nil {
		return
	}
	rac.CreateAttr("Comparison", comparison)
}

// UpdateAssertionConsumerServiceURL rewrites the request's ACS URL so the
// identity provider posts back to the proxy. Requests without the attribute
// are left untouched.
func UpdateAssertionConsumerServiceURL(doc *etree.Document, acsURL string) {
	root := doc.Root()
	if attr := root.SelectAttr("AssertionConsumerServiceURL"); attr != nil {
		attr.Value = acsURL
	}
}

// AddExtensionsAndPurposeIfNotPresent adds an Extensions block carrying the
// SPID Purpose element right after the Issuer. An existing Extensions
// element is reused; a request already carrying a Purpose anywhere in the
// document is left untouched.
func AddExtensionsAndPurposeIfNotPresent(doc *etree.Document, purpose string) {
	root := doc.Root()
	if FirstDescendant(root, "Purpose") != nil {
		return
	}
	extensions := FirstDescendant(root, "Extensions")
	if extensions == nil {
		extensions = etree.NewElement(prefixedTag(root, "Extensions"))
		if issuer := ChildByTag(root, "Issuer"); issuer != nil {
			root.InsertChildAt(issuer.Index()+1, extensions)
		} else {
			root.InsertChildAt(0, extensions)
		}
	}
	extensions.CreateAttr("xmlns:spid", SPIDExtensionsNamespace)
	purposeEl := extensions.CreateElement("spid:Purpose")
	purposeEl.SetText(purpose)
}
