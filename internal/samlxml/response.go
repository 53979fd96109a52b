package samlxml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// ResponseID returns the ID attribute of the Response root element.
func ResponseID(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	return root.SelectAttrValue("ID", "")
}

// InResponseTo returns the InResponseTo attribute of the Response root.
func InResponseTo(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	return root.SelectAttrValue("InResponseTo", "")
}

// Issuer returns the text of the first Issuer element, the Response issuer.
func Issuer(doc *etree.Document) string {
	issuer := FirstDescendant(doc.Root(), "Issuer")
	if issuer == nil {
		return ""
	}
	return issuer.Text()
}

// StatusCode returns the Value attribute of the first StatusCode element.
func StatusCode(doc *etree.Document) string {
	status := FirstDescendant(doc.Root(), "StatusCode")
	if status == nil {
		return ""
	}
	return status.SelectAttrValue("Value", "")
}

// StatusMessage returns the text of the StatusMessage element, if any.
func StatusMessage(doc *etree.Document) string {
	msg := FirstDescendant(doc.Root(), "StatusMessage")
	if msg == nil {
		return ""
	}
	return msg.Text()
}

// AttributeValue returns the concatenated text of the Attribute element with
// the given Name, or "" when the response carries no such attribute.
func AttributeValue(doc *etree.Document, name string) string {
	for _, attr := range Descendants(doc.Root(), "Attribute") {
		if attr.SelectAttrValue("Name", "") == name {
			children := attr.ChildElements()
			if len(children) == 0 {
				return strings.TrimSpace(attr.Text())
			}
			var sb strings.Builder
			for _, value := range children {
				sb.WriteString(value.Text())
			}
			return sb.String()
		}
	}
	return ""
}

// AlterAudience rewrites the Audience to the downstream SP entity ID. A
// missing or empty Audience is an error; the caller decides whether a prior
// check already guaranteed it.
func AlterAudience(doc *etree.Document, entityID string) error {
	audience := FirstDescendant(doc.Root(), "Audience")
	if audience == nil || strings.TrimSpace(audience.Text()) == "" {
		return fmt.Errorf("missing Audience")
	}
	audience.SetText(entityID)
	return nil
}

// AlterDestination validates the response Destination against the expected
// proxy endpoint and rewrites it to the downstream ACS URL. The expectation
// check is bypassed when skipCheck is set.
func AlterDestination(doc *etree.Document, newDestination, expected string, skipCheck bool) error {
	root := doc.Root()
	current := root.SelectAttrValue("Destination", "")
	if strings.TrimSpace(current) == "" {
		return fmt.Errorf("missing Destination")
	}
	if current != expected && !skipCheck {
		return fmt.Errorf("different Destination")
	}
	root.CreateAttr("Destination", newDestination)
	return nil
}

// AlterSubjectConfirmation points the SubjectConfirmationData Recipient at
// the downstream ACS URL.
func AlterSubjectConfirmation(doc *etree.Document, recipient string) error {
	scd := FirstDescendant(doc.Root(), "SubjectConfirmationData")
	if scd == nil {
		return fmt.Errorf("missing SubjectConfirmationData")
	}
	scd.CreateAttr("Recipient", recipient)
	return nil
}

// RemoveNameQualifierIfFormatEntity strips the NameQualifier attribute from
// every Issuer whose Format is the entity format. Some downstream SAML
// stacks reject the combination.
func RemoveNameQualifierIfFormatEntity(doc *etree.Document) {
	for _, issuer := range Descendants(doc.Root(), "Issuer") {
		format := issuer.SelectAttrValue("Format", "")
		if strings.TrimSpace(format) != "" && format == NameIDFormatEntity {
			issuer.RemoveAttr("NameQualifier")
		}
	}
}

// RemoveSignatures strips every Signature element from the document before
// re-signing.
func RemoveSignatures(doc *etree.Document) {
	for _, sig := range Descendants(doc.Root(), "Signature") {
		sig.Parent().RemoveChild(sig)
	}
}

// AlterDateOfBirthType forces the xsi:type of the dateOfBirth
// AttributeValue. Some downstream SP stacks only accept a specific date
// type. Reports whether an alteration was applied.
func AlterDateOfBirthType(doc *etree.Document, xsiType string) bool {
	for _, attr := range Descendants(doc.Root(), "Attribute") {
		if attr.SelectAttrValue("Name", "") != "dateOfBirth" {
			continue
		}
		value := ChildByTag(attr, "AttributeValue")
		if value == nil {
			return false
		}
		if value.SelectAttr("xmlns:xsi") == nil && doc.Root().SelectAttr("xmlns:xsi") == nil {
			value.CreateAttr("xmlns:xsi", XSINamespace)
		}
		value.CreateAttr("xsi:type", xsiType)
		return true
	}
	return false
}
