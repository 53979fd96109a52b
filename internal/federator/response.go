package federator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beevik/etree"

	"github.com/spid-federator/proxy/internal/config"
	"github.com/spid-federator/proxy/internal/metadata"
	"github.com/spid-federator/proxy/internal/samlxml"
	"github.com/spid-federator/proxy/internal/signing"
	"github.com/spid-federator/proxy/internal/validate"
)

const invalidSignatureMessage = "Signature della risposta non valida o non presente, impossibile proseguire con l'autenticazione."

// anomalyCodes are the SPID anomalies users can recover from; their status
// message carries an "ErrorCode nrNN" marker.
var anomalyCodes = []string{"19", "20", "21", "22", "23", "25"}

// PostForm is the auto-submitting form that carries the re-signed response
// to the downstream federator.
type PostForm struct {
	Action       string
	SAMLResponse string
	RelayState   string
}

// Result is the outcome of processing a response: either a form to post
// downstream or an error to show on the courtesy page.
type Result struct {
	Form      *PostForm
	ErrorPage *SPIDError
}

// ResponseService validates, alters and re-signs identity provider
// responses.
type ResponseService struct {
	cfg      *config.Config
	keys     *signing.Holder
	metadata *metadata.Cache
	checker  *validate.Checker
	access   *AccessLogger
}

func NewResponseService(cfg *config.Config, keys *signing.Holder, cache *metadata.Cache, checker *validate.Checker, access *AccessLogger) *ResponseService {
	return &ResponseService{
		cfg:      cfg,
		keys:     keys,
		metadata: cache,
		checker:  checker,
		access:   access,
	}
}

// Process runs the full response pipeline. A validate.Error return means
// the response violates the profile and must not reach the federator.
func (s *ResponseService) Process(ctx context.Context, doc *etree.Document, relayState string) (*Result, error) {
	if !s.cfg.Checks.SkipSignaturesValidation {
		ok, err := s.verifySignatures(ctx, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Error("invalid response signature", "issuer", samlxml.Issuer(doc))
			return &Result{ErrorPage: &SPIDError{UserFriendlyMessage: invalidSignatureMessage}}, nil
		}
	}

	samlxml.RemoveSignatures(doc)

	blocked, spidErr, err := s.blockingStatus(doc)
	if err != nil {
		return nil, err
	}
	if blocked {
		slog.Warn("blocking status code",
			"statusCode", spidErr.StatusCode,
			"statusMessage", spidErr.StatusMessage)
		return &Result{ErrorPage: spidErr}, nil
	}

	if !s.cfg.Checks.SkipTechnicalChecks {
		if err := s.checker.Run(doc); err != nil {
			return nil, err
		}
	}

	if err := samlxml.AlterAudience(doc, s.cfg.Federator.EntityID); err != nil {
		return nil, validate.NewError(err.Error())
	}
	err = samlxml.AlterDestination(doc,
		s.cfg.Federator.AttributeConsumerServiceURL,
		s.cfg.Federator.ProxyACSURL(),
		s.cfg.Checks.SkipDestinationCheck)
	if err != nil {
		return nil, validate.NewError(err.Error())
	}
	if err := samlxml.AlterSubjectConfirmation(doc, s.cfg.Federator.AttributeConsumerServiceURL); err != nil {
		return nil, validate.NewError(err.Error())
	}
	samlxml.RemoveNameQualifierIfFormatEntity(doc)

	if s.cfg.Alteration.AlterDateOfBirth {
		if samlxml.AlterDateOfBirthType(doc, s.cfg.Alteration.DateOfBirthFormat) {
			slog.Debug("dateOfBirth type altered", "type", s.cfg.Alteration.DateOfBirthFormat)
		}
	}

	kp := s.keys.Current()
	if err := signing.SignAssertion(doc, kp); err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}
	if err := signing.SignResponse(doc, kp); err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}

	encoded, err := samlxml.EncodeResponse(doc)
	if err != nil {
		return nil, fmt.Errorf("encode outgoing response: %w", err)
	}

	s.access.Log(doc)

	return &Result{Form: &PostForm{
		Action:       s.cfg.Federator.AttributeConsumerServiceURL,
		SAMLResponse: encoded,
		RelayState:   relayState,
	}}, nil
}

// verifySignatures checks the response and assertion signatures against the
// issuer's published certificates. A false return is an untrusted
// signature; an error return is a trust-resolution failure.
func (s *ResponseService) verifySignatures(ctx context.Context, doc *etree.Document) (bool, error) {
	issuer := samlxml.Issuer(doc)
	certs, err := s.metadata.Certificates(ctx, issuer)
	if err != nil {
		if errors.Is(err, metadata.ErrUnknownIssuer) {
			return false, validate.NewError(fmt.Sprintf("%s is an unknown issuer", issuer))
		}
		return false, err
	}

	if err := signing.VerifyResponse(doc, certs, s.cfg.Checks.SkipAssertionSignatureValidation); err != nil {
		slog.Debug("signature verification failed", "error", err)
		return false, nil
	}
	return true, nil
}

func (s *ResponseService) blockingStatus(doc *etree.Document) (bool, *SPIDError, error) {
	statusCode := samlxml.StatusCode(doc)
	if statusCode == samlxml.StatusSuccess {
		return false, nil, nil
	}
	if strings.TrimSpace(statusCode) == "" {
		return false, nil, validate.NewError("StatusCode empty")
	}

	statusMessage := samlxml.StatusMessage(doc)
	return true, &SPIDError{
		StatusCode:          statusCode,
		StatusMessage:       statusMessage,
		UserFriendlyMessage: s.friendlyMessage(statusMessage),
	}, nil
}

// friendlyMessage maps SPID anomaly markers in the status message to the
// configured user facing text.
func (s *ResponseService) friendlyMessage(statusMessage string) string {
	if strings.TrimSpace(statusMessage) == "" {
		return ""
	}
	for _, code := range anomalyCodes {
		if strings.Contains(statusMessage, "nr"+code) {
			return s.cfg.Errors.Messages[code]
		}
	}
	return ""
}
