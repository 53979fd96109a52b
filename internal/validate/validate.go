// Package validate runs the technical conformance checks that the SPID
// profile requires on identity provider responses. Checks run in a fixed
// order and the first violation stops the run.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/spid-federator/proxy/internal/samlxml"
)

// Error is a conformance violation. The handler maps it to an internal
// error page instead of forwarding the response downstream.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// NewError builds a conformance violation with the given reason.
func NewError(reason string) *Error {
	return &Error{Reason: reason}
}

// cieAssertionIssuers are exempt from the Issuer Format checks. The CIE
// identity server omits the Format attribute on assertion issuers.
var cieAssertionIssuers = []string{
	"https://idserver.servizicie.interno.gov.it/idp/profile/SAML2/POST/SSO",
	"https://preproduzione.idserver.servizicie.interno.gov.it/idp/profile/SAML2/POST/SSO",
}

// RequestLookup reports whether an AuthnRequest ID was issued by this proxy
// and is still pending.
type RequestLookup interface {
	Known(id string) bool
}

// Checker validates responses against the profile rules. A nil Requests
// degrades the InResponseTo checks to presence-only.
type Checker struct {
	Clock                 clockwork.Clock
	SPEntityID            string
	ACSURL                string
	ValidLevels           []int
	LevelURIFormat        string
	IssueInstantTolerance time.Duration
	Requests              RequestLookup
}

// Run executes every check in order and returns the first violation.
func (c *Checker) Run(doc *etree.Document) error {
	root := doc.Root()
	if root == nil {
		return NewError("empty response document")
	}

	checks := []func(*etree.Element) error{
		c.checkVersion,
		c.checkIssueInstant,
		c.checkInResponseTo,
		c.checkAuthnContextClassRef,
		c.checkIssuer,
		c.checkNameID,
		c.checkSubjectConfirmation,
		c.checkSubjectConfirmationData,
		c.checkAssertion,
		c.checkConditions,
		c.checkAttributes,
	}
	for _, check := range checks {
		if err := check(root); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) checkVersion(root *etree.Element) error {
	if root.SelectAttrValue("Version", "") != "2.0" {
		return NewError("Version not present or different from 2.0")
	}
	return nil
}

func (c *Checker) checkIssueInstant(root *etree.Element) error {
	issueInstant := root.SelectAttrValue("IssueInstant", "")
	if strings.TrimSpace(issueInstant) == "" {
		return NewError("IssueInstant not present or not specified")
	}
	if !isValidUTC(issueInstant) {
		return NewError("Response IssueInstant is not UTC")
	}
	return nil
}

func (c *Checker) checkInResponseTo(root *etree.Element) error {
	inResponseTo := root.SelectAttrValue("InResponseTo", "")
	if strings.TrimSpace(inResponseTo) == "" {
		return NewError("InResponseTo empty or not present")
	}
	if c.Requests != nil && !c.Requests.Known(inResponseTo) {
		return NewError("InResponseTo different from request id")
	}
	return nil
}

func (c *Checker) checkAuthnContextClassRef(root *etree.Element) error {
	ref := samlxml.FirstDescendant(root, "AuthnContextClassRef")
	if ref == nil {
		return NewError("AuthnContextClassRef not present")
	}
	for _, level := range c.ValidLevels {
		if ref.Text() == fmt.Sprintf(c.LevelURIFormat, level) {
			return nil
		}
	}
	return NewError("invalid AuthnContextClassRef")
}

func (c *Checker) checkIssuer(root *etree.Element) error {
	issuer := samlxml.FirstDescendant(root, "Issuer")
	if issuer == nil {
		return NewError("Response Issuer not present")
	}
	format := issuer.SelectAttr("Format")
	if format != nil && format.Value != samlxml.NameIDFormatEntity {
		return NewError("Issuer format must be " + samlxml.NameIDFormatEntity)
	}
	return nil
}

func (c *Checker) checkNameID(root *etree.Element) error {
	nameID := samlxml.FirstDescendant(root, "NameID")
	if nameID == nil {
		return NewError("NameID not present")
	}
	if strings.TrimSpace(nameID.Text()) == "" {
		return NewError("NameID missing or empty")
	}
	if nameID.SelectAttrValue("Format", "") != samlxml.NameIDFormatTransient {
		return NewError("NameID Format must be " + samlxml.NameIDFormatTransient)
	}
	if strings.TrimSpace(nameID.SelectAttrValue("NameQualifier", "")) == "" {
		return NewError("invalid NameID NameQualifier")
	}
	return nil
}

func (c *Checker) checkSubjectConfirmation(root *etree.Element) error {
	sc := samlxml.FirstDescendant(root, "SubjectConfirmation")
	if sc == nil {
		return NewError("SubjectConfirmation not present")
	}
	if sc.SelectAttrValue("Method", "") != samlxml.SubjectConfirmationMethodBearer {
		return NewError("SubjectConfirmation method is missing or different from " + samlxml.SubjectConfirmationMethodBearer)
	}
	return nil
}

func (c *Checker) checkSubjectConfirmationData(root *etree.Element) error {
	scd := samlxml.FirstDescendant(root, "SubjectConfirmationData")
	if scd == nil {
		return NewError("SubjectConfirmationData not present")
	}

	// A missing Recipient skips the remaining data checks. Some providers
	// omit the whole attribute set on error flows.
	recipient := scd.SelectAttr("Recipient")
	if recipient == nil {
		return nil
	}
	if recipient.Value != c.ACSURL {
		return NewError("SubjectConfirmationData Recipient must be equal to AssertionConsumerServiceUrl")
	}

	inResponseTo := scd.SelectAttrValue("InResponseTo", "")
	if strings.TrimSpace(inResponseTo) == "" {
		return NewError("SubjectConfirmationData InResponseTo not specified")
	}
	if c.Requests != nil && !c.Requests.Known(inResponseTo) {
		return NewError("SubjectConfirmationData InResponseTo different from request id")
	}

	notOnOrAfter := scd.SelectAttrValue("NotOnOrAfter", "")
	if strings.TrimSpace(notOnOrAfter) == "" {
		return NewError("SubjectConfirmationData NotOnOrAfter not specified")
	}
	if !isValidUTC(notOnOrAfter) {
		return NewError("SubjectConfirmationData NotOnOrAfter is not UTC")
	}

	notOnOrAfterT, err := parseInstant(notOnOrAfter)
	if err != nil {
		return NewError("SubjectConfirmationData NotOnOrAfter is not UTC")
	}
	issueInstant, err := responseIssueInstant(root)
	if err != nil {
		return err
	}
	if notOnOrAfterT.Before(issueInstant) {
		return NewError("SubjectConfirmationData NotOnOrAfter is before than Response IssueInstant")
	}
	return nil
}

func (c *Checker) checkAssertion(root *etree.Element) error {
	assertion := samlxml.FirstDescendant(root, "Assertion")
	if assertion == nil {
		return NewError("Assertion not present")
	}
	if assertion.SelectAttrValue("Version", "") != "2.0" {
		return NewError("Assertion version must be 2.0")
	}

	issueInstant, err := parseInstant(assertion.SelectAttrValue("IssueInstant", ""))
	if err != nil {
		return NewError("Assertion IssueInstant too much in the past or in the future")
	}
	now := c.Clock.Now()
	if issueInstant.Before(now.Add(-c.IssueInstantTolerance)) || issueInstant.After(now.Add(c.IssueInstantTolerance)) {
		return NewError("Assertion IssueInstant too much in the past or in the future")
	}

	issuers := samlxml.Descendants(root, "Issuer")
	if len(issuers) < 2 {
		return NewError("Assertion Issuer not present")
	}
	assertionIssuer := issuers[1]
	if strings.TrimSpace(assertionIssuer.Text()) == "" {
		return NewError("Assertion Issuer not specified")
	}

	if !isCIEIssuer(assertionIssuer.Text()) {
		format := assertionIssuer.SelectAttrValue("Format", "")
		if strings.TrimSpace(format) == "" {
			return NewError("Assertion Issuer format not specified")
		}
		if format != samlxml.NameIDFormatEntity {
			return NewError("Assertion Issuer Format must be " + samlxml.NameIDFormatEntity)
		}
	}

	if assertionIssuer.Text() != issuers[0].Text() {
		return NewError("Assertion Issuer and Response Issuer not match")
	}
	return nil
}

func (c *Checker) checkConditions(root *etree.Element) error {
	conditions := samlxml.FirstDescendant(root, "Conditions")
	if conditions == nil {
		return NewError("Conditions not present")
	}

	issueInstant, err := responseIssueInstant(root)
	if err != nil {
		return err
	}

	notBefore := conditions.SelectAttrValue("NotBefore", "")
	if strings.TrimSpace(notBefore) == "" {
		return NewError("Missing NotBefore on Conditions")
	}
	if !isValidUTC(notBefore) {
		return NewError("Conditions NotBefore is not a valid UTC")
	}
	notBeforeT, err := parseInstant(notBefore)
	if err != nil {
		return NewError("Conditions NotBefore is not a valid UTC")
	}
	if notBeforeT.After(issueInstant) {
		return NewError("Conditions NotBefore after response IssueInstant")
	}

	notOnOrAfter := conditions.SelectAttrValue("NotOnOrAfter", "")
	if strings.TrimSpace(notOnOrAfter) == "" {
		return NewError("Missing NotOnOrAfter on Conditions")
	}
	if !isValidUTC(notOnOrAfter) {
		return NewError("Conditions NotOnOrAfter is not a valid UTC")
	}
	notOnOrAfterT, err := parseInstant(notOnOrAfter)
	if err != nil {
		return NewError("Conditions NotOnOrAfter is not a valid UTC")
	}
	if notOnOrAfterT.Before(issueInstant) {
		return NewError("Conditions NotOnOrAfter before response IssueInstant")
	}

	audience := samlxml.FirstDescendant(root, "Audience")
	if audience == nil {
		return NewError("Audience missing")
	}
	if strings.TrimSpace(audience.Text()) == "" {
		return NewError("Audience not specified")
	}
	if audience.Text() != c.SPEntityID {
		return NewError("Audience is different from SP EntityID")
	}
	return nil
}

func (c *Checker) checkAttributes(root *etree.Element) error {
	attributes := samlxml.Descendants(root, "Attribute")
	if len(attributes) == 0 {
		return NewError("No Attribute element present")
	}
	for _, attr := range attributes {
		if len(attr.ChildElements()) == 0 && strings.TrimSpace(attr.Text()) == "" {
			return NewError("Attribute cannot be empty")
		}
	}
	return nil
}

func responseIssueInstant(root *etree.Element) (time.Time, error) {
	t, err := parseInstant(root.SelectAttrValue("IssueInstant", ""))
	if err != nil {
		return time.Time{}, NewError("Response IssueInstant is not UTC")
	}
	return t, nil
}

func parseInstant(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}

// isValidUTC accepts Zulu timestamps only. An exact-midnight instant is
// rejected: it is the telltale of a date serialized without its time part.
func isValidUTC(value string) bool {
	if !strings.HasSuffix(value, "Z") {
		return false
	}
	t, err := parseInstant(value)
	if err != nil {
		return false
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return false
	}
	return true
}

func isCIEIssuer(issuer string) bool {
	for _, known := range cieAssertionIssuers {
		if issuer == known {
			return true
		}
	}
	return false
}
