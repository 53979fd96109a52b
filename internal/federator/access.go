package federator

import (
	"log/slog"

	"github.com/beevik/etree"

	"github.com/spid-federator/proxy/internal/samlxml"
)

// AccessLogger writes one audit line per completed login with the
// configured response attributes.
type AccessLogger struct {
	enabled    bool
	attributes []string
}

func NewAccessLogger(enabled bool, attributes []string) *AccessLogger {
	return &AccessLogger{enabled: enabled, attributes: attributes}
}

// Log records a successful login. Attributes missing from the response are
// left out of the line.
func (l *AccessLogger) Log(doc *etree.Document) {
	if !l.enabled {
		return
	}

	args := []any{
		"issuer", samlxml.Issuer(doc),
		"inResponseTo", samlxml.InResponseTo(doc),
		"responseID", samlxml.ResponseID(doc),
	}
	for _, name := range l.attributes {
		if value := samlxml.AttributeValue(doc, name); value != "" {
			args = append(args, name, value)
		}
	}
	slog.Info("user logged in", args...)
}
