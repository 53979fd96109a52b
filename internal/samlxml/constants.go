package samlxml

// SAML 2.0 namespace URIs.
const (
	AssertionNamespace = "urn:oasis:names:tc:SAML:2.0:assertion"
	ProtocolNamespace  = "urn:oasis:names:tc:SAML:2.0:protocol"
	MetadataNamespace  = "urn:oasis:names:tc:SAML:2.0:metadata"
	XMLDSigNamespace   = "http://www.w3.org/2000/09/xmldsig#"
	XSINamespace       = "http://www.w3.org/2001/XMLSchema-instance"

	// SPIDExtensionsNamespace carries the Purpose extension element.
	SPIDExtensionsNamespace = "https://spid.gov.it/saml-extensions"
)

// NameID format URIs.
const (
	NameIDFormatEntity    = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
	NameIDFormatTransient = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
)

// StatusSuccess is the top-level status code of a successful Response.
const StatusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// SubjectConfirmationMethodBearer is the only confirmation method the SPID
// profile allows.
const SubjectConfirmationMethodBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

// SPIDLevelURIs are the authentication context class references compliant
// requests may carry.
var SPIDLevelURIs = []string{
	"https://www.spid.gov.it/SpidL1",
	"https://www.spid.gov.it/SpidL2",
	"https://www.spid.gov.it/SpidL3",
}
