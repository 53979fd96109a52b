package federator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/spid-federator/proxy/internal/config"
	"github.com/spid-federator/proxy/internal/metadata"
	"github.com/spid-federator/proxy/internal/samlxml"
	"github.com/spid-federator/proxy/internal/signing"
	"github.com/spid-federator/proxy/internal/validate"
)

// Handler exposes the proxy HTTP surface: the entry endpoint the federator
// redirects to and the assertion consumer the identity providers post back
// to.
type Handler struct {
	cfg       *config.Config
	requests  *RequestService
	responses *ResponseService
	metadata  *metadata.Cache
}

func NewHandler(cfg *config.Config, requests *RequestService, responses *ResponseService, cache *metadata.Cache) *Handler {
	return &Handler{
		cfg:       cfg,
		requests:  requests,
		responses: responses,
		metadata:  cache,
	}
}

// RegisterRoutes registers the proxy endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /proxy/index/{identityProvider}", h.handleIndex)
	mux.HandleFunc("POST /proxy/assertionconsumer", h.handleAssertionConsumer)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("SAMLRequest") == "" {
		slog.Error("missing SAMLRequest parameter", "url", r.URL.String())
		http.Error(w, "missing SAMLRequest", http.StatusBadRequest)
		return
	}

	req := NewRequest(
		r.PathValue("identityProvider"),
		query.Get("SAMLRequest"),
		query.Get("RelayState"),
		query.Get("SigAlg"),
		query.Get("Signature"),
	)
	slog.Info("proxy entry invoked", "identityProvider", req.IdentityProvider)

	if _, ok := h.cfg.IDP.URLs[req.IdentityProvider]; !ok {
		slog.Error("unknown identity provider", "identityProvider", req.IdentityProvider)
		http.Error(w, "unknown identity provider", http.StatusBadRequest)
		return
	}

	if h.cfg.Checks.VerifyRequestSignature {
		certs, err := h.metadata.FederatorCertificates(r.Context())
		if err != nil {
			slog.Error("federator certificates unavailable", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := signing.VerifyQuery(r.URL.RawQuery, certs); err != nil {
			slog.Error("request signature verification failed", "error", err)
			http.Error(w, "invalid request signature", http.StatusBadRequest)
			return
		}
	}

	doc, err := samlxml.DecodeRequest(req.SAMLRequest)
	if err != nil {
		slog.Error("unable to decode SAMLRequest", "error", err)
		http.Error(w, "invalid SAMLRequest", http.StatusBadRequest)
		return
	}

	redirectURL, err := h.requests.RedirectURL(req, doc, r.Referer())
	if err != nil {
		// Fail open: the untouched request still reaches the provider,
		// which will reject it itself if it is unusable.
		slog.Error("request transformation failed, falling back to pass-through",
			"error", err,
			"identityProvider", req.IdentityProvider)
		http.Redirect(w, r, h.requests.PassThroughURL(req), http.StatusFound)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *Handler) handleAssertionConsumer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	relayState := r.PostFormValue("RelayState")
	if samlResponse == "" {
		slog.Error("missing SAMLResponse form value")
		http.Error(w, "missing SAMLResponse", http.StatusBadRequest)
		return
	}

	doc, err := samlxml.DecodeResponse(samlResponse)
	if err != nil {
		slog.Error("unable to decode SAMLResponse", "error", err)
		http.Error(w, "invalid SAMLResponse", http.StatusBadRequest)
		return
	}

	slog.Info("assertion consumer invoked",
		"responseID", samlxml.ResponseID(doc),
		"inResponseTo", samlxml.InResponseTo(doc),
		"issuer", samlxml.Issuer(doc))

	result, err := h.responses.Process(r.Context(), doc, relayState)
	if err != nil {
		var validationErr *validate.Error
		if errors.As(err, &validationErr) {
			slog.Error("response validation failed", "reason", validationErr.Reason)
		} else {
			slog.Error("response processing failed", "error", err)
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if result.ErrorPage != nil {
		renderCourtesyPage(w, result.ErrorPage)
		return
	}
	renderPostForm(w, result.Form)
}
