// Package params resolves per-request routing parameters from the places
// service providers are able to smuggle them: the Referer query string, a
// query string embedded in the RelayState value, or one embedded in a WS-Fed
// wctx value. Sources are consulted in that order and the first valid value
// wins; everything else falls back to the configured default.
package params

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

// Source is one place a parameter may come from.
type Source struct {
	Origin string // "REFERER", "RELAYSTATE" or "WCTX", used in logs
	Values url.Values
}

// FromReferer parses the query string of a Referer URL. The returned Source
// carries no values when the header is absent or unparseable.
func FromReferer(referer string) Source {
	s := Source{Origin: "REFERER"}
	if referer == "" {
		return s
	}
	u, err := url.Parse(referer)
	if err != nil {
		return s
	}
	if values, err := url.ParseQuery(u.RawQuery); err == nil && len(values) > 0 {
		s.Values = values
	}
	return s
}

// FromEmbedded extracts the query string embedded after the first "?" of
// the named parameter inside the referer values. RelayState and wctx carry
// full URLs whose own query holds the routing parameters; a value without a
// "?" is treated as a bare query string.
func FromEmbedded(origin string, referer url.Values, param string) Source {
	s := Source{Origin: origin}
	if referer == nil {
		return s
	}
	value := referer.Get(param)
	if value == "" {
		return s
	}
	if idx := strings.Index(value, "?"); idx >= 0 {
		value = value[idx+1:]
	}
	if values, err := url.ParseQuery(value); err == nil && len(values) > 0 {
		s.Values = values
	}
	return s
}

// Resolve walks the sources in order and returns the first present value
// accepted by valid, else the default. Misses are logged at debug level
// only; an invalid value in one source never blocks the next.
func Resolve(name string, sources []Source, valid func(string) bool, def string) string {
	for _, src := range sources {
		if src.Values == nil {
			slog.Debug("parameter source empty", "param", name, "origin", src.Origin)
			continue
		}
		value := src.Values.Get(name)
		if strings.TrimSpace(value) == "" {
			slog.Debug("parameter not present", "param", name, "origin", src.Origin)
			continue
		}
		if !valid(value) {
			slog.Debug("parameter value not valid", "param", name, "origin", src.Origin, "value", value)
			continue
		}
		slog.Debug("parameter resolved", "param", name, "origin", src.Origin, "value", value)
		return value
	}
	slog.Debug("using default parameter value", "param", name, "value", def)
	return def
}

// ResolveInt resolves an integer parameter. A value that does not parse as
// an integer is treated as invalid for its source, never an error.
func ResolveInt(name string, sources []Source, valid func(int) bool, def int) int {
	value := Resolve(name, sources, func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && valid(n)
	}, "")
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}
