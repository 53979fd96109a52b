package samlxml

import (
	"net/url"
	"strings"
	"testing"

	"github.com/beevik/etree"
)

func mustQueryUnescape(t *testing.T, s string) string {
	t.Helper()
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		t.Fatalf("unescape %q: %v", s, err)
	}
	return decoded
}

const sampleAuthnRequest = `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_req1" Version="2.0" IssueInstant="2026-03-01T10:00:00Z"><saml:Issuer>https://sp.example.org</saml:Issuer></samlp:AuthnRequest>`

func TestRequestCodecRoundTrip(t *testing.T) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(sampleAuthnRequest); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	encoded, err := EncodeRequest(doc)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if strings.ContainsAny(encoded, "+/= ") {
		t.Errorf("EncodeRequest() = %q, contains characters that must be percent-encoded", encoded)
	}

	// The redirect query value arrives percent-decoded.
	decoded, err := DecodeRequest(mustQueryUnescape(t, encoded))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got := RequestID(decoded); got != "_req1" {
		t.Errorf("RequestID() = %q, want %q", got, "_req1")
	}
	if got := decoded.Root().Tag; got != "AuthnRequest" {
		t.Errorf("root tag = %q, want AuthnRequest", got)
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not base64", value: "!!not-base64!!"},
		{name: "base64 but not deflate", value: "aGVsbG8gd29ybGQ="},
		{name: "empty", value: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequest(tt.value); err == nil {
				t.Errorf("DecodeRequest(%q) expected error, got nil", tt.value)
			}
		})
	}
}

func TestResponseCodecRoundTrip(t *testing.T) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_resp1" InResponseTo="_req1"/>`); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	encoded, err := EncodeResponse(doc)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	decoded, err := DecodeResponse(encoded)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got := ResponseID(decoded); got != "_resp1" {
		t.Errorf("ResponseID() = %q, want %q", got, "_resp1")
	}
	if got := InResponseTo(decoded); got != "_req1" {
		t.Errorf("InResponseTo() = %q, want %q", got, "_req1")
	}
}

func TestUpperCaseURLEncode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plus and slash", input: "a+b/c", want: "a%2Bb%2Fc"},
		{name: "equals", input: "abc==", want: "abc%3D%3D"},
		{name: "nothing to encode", input: "abc123", want: "abc123"},
		{name: "empty", input: "", want: ""},
		{name: "space becomes plus", input: "a b", want: "a+b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UpperCaseURLEncode(tt.input); got != tt.want {
				t.Errorf("UpperCaseURLEncode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
