package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string `toml:"listen_addr"`
	LogLevel           string `toml:"log_level"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	TLSCertPath        string `toml:"tls_cert_path"`
	TLSKeyPath         string `toml:"tls_key_path"`
	TLSSelfSigned      bool   `toml:"tls_self_signed"`

	Federator   FederatorConfig   `toml:"federator"`
	Certificate CertificateConfig `toml:"certificate"`
	IDP         IDPConfig         `toml:"idp"`
	Metadata    MetadataConfig    `toml:"metadata"`
	SPID        SPIDConfig        `toml:"spid"`
	CIE         CIEConfig         `toml:"cie"`
	ACS         ACSConfig         `toml:"acs"`
	Checks      ChecksConfig      `toml:"checks"`
	Alteration  AlterationConfig  `toml:"alteration"`
	Errors      ErrorsConfig      `toml:"errors"`
	AccessLog   AccessLogConfig   `toml:"access_log"`
}

// FederatorConfig identifies the proxy and its downstream federator.
type FederatorConfig struct {
	// EntityID is written as the Audience of forwarded responses.
	EntityID string `toml:"entity_id"`
	// SPIDEntityID replaces the request Issuer toward SPID providers and is
	// the Audience providers are expected to emit.
	SPIDEntityID string `toml:"spid_entity_id"`
	// CIEEntityID replaces the request Issuer toward the CIE provider.
	CIEEntityID string `toml:"cie_entity_id"`
	// BaseHost is the public hostname of this proxy.
	BaseHost string `toml:"base_host"`
	// AttributeConsumerServiceURL is the downstream federator endpoint that
	// receives the re-signed response.
	AttributeConsumerServiceURL string `toml:"attribute_consumer_service_url"`
	// MetadataURL points at the downstream federator metadata, used to
	// verify signatures on relayed requests.
	MetadataURL string `toml:"metadata_url"`
}

// ProxyACSURL is the assertion consumer endpoint this proxy exposes to
// identity providers.
func (c *FederatorConfig) ProxyACSURL() string {
	return "https://" + c.BaseHost + "/proxy/assertionconsumer"
}

// CertificateConfig locates the response signing material.
type CertificateConfig struct {
	CertPath           string `toml:"cert_path"`
	KeyPath            string `toml:"key_path"`
	ReloadIntervalMins int    `toml:"reload_interval_mins"`
}

// IDPConfig maps identity provider keys to their single sign-on URLs.
type IDPConfig struct {
	URLs map[string]string `toml:"urls"`
}

// MetadataConfig controls identity provider metadata retrieval.
type MetadataConfig struct {
	// Mapping maps issuer entity IDs to metadata URLs.
	Mapping map[string]string `toml:"mapping"`
	// KeyPrefixes are stripped from response issuers before the mapping
	// lookup, for providers that prefix their entity ID per environment.
	KeyPrefixes                  []string `toml:"key_prefixes"`
	CacheExpirationMins          int      `toml:"cache_expiration_mins"`
	FederatorCacheExpirationMins int      `toml:"federator_cache_expiration_mins"`
	// RefreshIntervalMins enables background re-fetching when positive.
	RefreshIntervalMins int `toml:"refresh_interval_mins"`
}

// SPIDConfig carries the SPID profile parameters.
type SPIDConfig struct {
	DefaultLevel                       int      `toml:"default_level"`
	ValidLevels                        []int    `toml:"valid_levels"`
	LevelURIFormat                     string   `toml:"level_uri_format"`
	LevelParam                         string   `toml:"level_param"`
	PurposeParam                       string   `toml:"purpose_param"`
	ValidPurposes                      []string `toml:"valid_purposes"`
	DefaultComparison                  string   `toml:"default_comparison"`
	ComparisonParam                    string   `toml:"comparison_param"`
	ValidComparisons                   []string `toml:"valid_comparisons"`
	AssertionIssueInstantToleranceMins int      `toml:"assertion_issue_instant_tolerance_mins"`
}

// CIEConfig overrides request defaults for the CIE provider.
type CIEConfig struct {
	DefaultLevel      int    `toml:"default_level"`
	DefaultComparison string `toml:"default_comparison"`
}

// ACSConfig controls AttributeConsumingServiceIndex resolution.
type ACSConfig struct {
	DefaultIndex int   `toml:"default_index"`
	ValidIndexes []int `toml:"valid_indexes"`
	IndexParam   string `toml:"index_param"`
	CIEIndex     int    `toml:"cie_index"`
	EIDASIndex   int    `toml:"eidas_index"`
	// DisableFromReferer drops the Referer query as an index source.
	DisableFromReferer bool `toml:"disable_from_referer"`
	// UpdateAssertionConsumerServiceURL rewrites the request ACS URL to
	// this proxy's assertion consumer endpoint.
	UpdateAssertionConsumerServiceURL bool `toml:"update_assertion_consumer_service_url"`
}

// ChecksConfig toggles request and response validation steps.
type ChecksConfig struct {
	SkipTechnicalChecks              bool `toml:"skip_technical_checks"`
	SkipAssertionSignatureValidation bool `toml:"skip_assertion_signature_validation"`
	SkipSignaturesValidation         bool `toml:"skip_signatures_validation"`
	SkipDestinationCheck             bool `toml:"skip_destination_check"`
	// VerifyRequestSignature validates the redirect query signature of
	// inbound requests against the federator metadata certificates.
	VerifyRequestSignature bool `toml:"verify_request_signature"`
	// DisableRequestTracking degrades InResponseTo validation to a
	// presence-only check.
	DisableRequestTracking bool `toml:"disable_request_tracking"`
	RequestTTLMins         int  `toml:"request_ttl_mins"`
}

// AlterationConfig controls optional response rewrites.
type AlterationConfig struct {
	AlterDateOfBirth  bool   `toml:"alter_date_of_birth"`
	DateOfBirthFormat string `toml:"date_of_birth_format"`
}

// ErrorsConfig maps SPID anomaly codes to user facing messages.
type ErrorsConfig struct {
	Messages map[string]string `toml:"messages"`
}

// AccessLogConfig controls the login audit line.
type AccessLogConfig struct {
	Enabled    bool     `toml:"enabled"`
	Attributes []string `toml:"attributes"`
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3000",
		LogLevel:   "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Certificate.ReloadIntervalMins == 0 {
		cfg.Certificate.ReloadIntervalMins = 360
	}
	if cfg.Metadata.CacheExpirationMins == 0 {
		cfg.Metadata.CacheExpirationMins = 120
	}
	if cfg.Metadata.FederatorCacheExpirationMins == 0 {
		cfg.Metadata.FederatorCacheExpirationMins = 240
	}
	if cfg.SPID.DefaultLevel == 0 {
		cfg.SPID.DefaultLevel = 2
	}
	if len(cfg.SPID.ValidLevels) == 0 {
		cfg.SPID.ValidLevels = []int{1, 2, 3}
	}
	if cfg.SPID.LevelURIFormat == "" {
		cfg.SPID.LevelURIFormat = "https://www.spid.gov.it/SpidL%d"
	}
	if cfg.SPID.LevelParam == "" {
		cfg.SPID.LevelParam = "spidLevel"
	}
	if cfg.SPID.PurposeParam == "" {
		cfg.SPID.PurposeParam = "Purpose"
	}
	if cfg.SPID.DefaultComparison == "" {
		cfg.SPID.DefaultComparison = "minimum"
	}
	if cfg.SPID.ComparisonParam == "" {
		cfg.SPID.ComparisonParam = "spidComparison"
	}
	if len(cfg.SPID.ValidComparisons) == 0 {
		cfg.SPID.ValidComparisons = []string{"exact", "minimum", "maximum", "better"}
	}
	if cfg.SPID.AssertionIssueInstantToleranceMins == 0 {
		cfg.SPID.AssertionIssueInstantToleranceMins = 5
	}
	if cfg.CIE.DefaultLevel == 0 {
		cfg.CIE.DefaultLevel = cfg.SPID.DefaultLevel
	}
	if cfg.CIE.DefaultComparison == "" {
		cfg.CIE.DefaultComparison = cfg.SPID.DefaultComparison
	}
	if cfg.ACS.IndexParam == "" {
		cfg.ACS.IndexParam = "AttributeConsumingServiceIndex"
	}
	if cfg.Checks.RequestTTLMins == 0 {
		cfg.Checks.RequestTTLMins = 10
	}
	if cfg.Alteration.DateOfBirthFormat == "" {
		cfg.Alteration.DateOfBirthFormat = "xs:date"
	}
	if len(cfg.AccessLog.Attributes) == 0 {
		cfg.AccessLog.Attributes = []string{"fiscalNumber"}
	}
}

func validate(cfg *Config) error {
	if cfg.TLSSelfSigned && (cfg.TLSCertPath != "" || cfg.TLSKeyPath != "") {
		return fmt.Errorf("tls_self_signed and tls_cert_path/tls_key_path are mutually exclusive")
	}
	if (cfg.TLSCertPath != "") != (cfg.TLSKeyPath != "") {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be specified together")
	}

	if cfg.Federator.EntityID == "" {
		return fmt.Errorf("federator.entity_id is required")
	}
	if cfg.Federator.SPIDEntityID == "" {
		return fmt.Errorf("federator.spid_entity_id is required")
	}
	if cfg.Federator.CIEEntityID == "" {
		cfg.Federator.CIEEntityID = cfg.Federator.SPIDEntityID
	}
	if cfg.Federator.BaseHost == "" {
		return fmt.Errorf("federator.base_host is required")
	}
	if cfg.Federator.AttributeConsumerServiceURL == "" {
		return fmt.Errorf("federator.attribute_consumer_service_url is required")
	}

	if cfg.Certificate.CertPath == "" || cfg.Certificate.KeyPath == "" {
		return fmt.Errorf("certificate.cert_path and certificate.key_path are required")
	}

	if len(cfg.IDP.URLs) == 0 {
		return fmt.Errorf("at least one idp.urls entry is required")
	}
	for key, rawURL := range cfg.IDP.URLs {
		u, err := url.Parse(rawURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("idp.urls[%s]: invalid URL %q", key, rawURL)
		}
	}

	if !strings.Contains(cfg.SPID.LevelURIFormat, "%d") {
		return fmt.Errorf("spid.level_uri_format must contain a %%d placeholder")
	}
	for _, level := range cfg.SPID.ValidLevels {
		if level < 1 || level > 3 {
			return fmt.Errorf("spid.valid_levels: level %d out of range", level)
		}
	}

	for code := range cfg.Errors.Messages {
		if _, err := strconv.Atoi(code); err != nil {
			return fmt.Errorf("errors.messages: key %q is not a numeric anomaly code", code)
		}
	}

	return nil
}

// TLSEnabled returns true if TLS is configured (self-signed or cert files).
func (c *Config) TLSEnabled() bool {
	return c.TLSSelfSigned || (c.TLSCertPath != "" && c.TLSKeyPath != "")
}
