// Package security implements the request checks applied to every inbound
// MES call and the HMAC signing routine shared with the outbound reporter.
package security

import (
	"fmt"
	"net"
	"strings"

	"github.com/c360/mesgateway/errors"
)

// DefaultSignatureTolerance is the maximum accepted clock distance, in
// seconds, between a request's X-Timestamp and the gateway clock.
const DefaultSignatureTolerance = 300

// Config holds the static credentials and feature switches for inbound
// request checks, plus TLS settings for the listener and outbound client.
type Config struct {
	// APIKeys lists every accepted bearer key.
	APIKeys []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	// SecretKey is the shared HMAC secret.
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	// AllowedIPs is the allow-list. Empty allows everyone.
	AllowedIPs []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`

	// Feature switches. Nil means enabled.
	EnableAPIKey      *bool `json:"enable_api_key,omitempty" yaml:"enable_api_key,omitempty"`
	EnableSignature   *bool `json:"enable_signature,omitempty" yaml:"enable_signature,omitempty"`
	EnableIPWhitelist *bool `json:"enable_ip_whitelist,omitempty" yaml:"enable_ip_whitelist,omitempty"`

	// SignatureToleranceSeconds overrides DefaultSignatureTolerance when > 0.
	SignatureToleranceSeconds int `json:"signature_tolerance_seconds,omitempty" yaml:"signature_tolerance_seconds,omitempty"`

	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Enabled returns a pointer for the feature switch fields.
func Enabled(v bool) *bool { return &v }

func flag(p *bool) bool {
	return p == nil || *p
}

// Validate checks that enabled features have the material they need.
func (c Config) Validate() error {
	if flag(c.EnableAPIKey) && len(c.APIKeys) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: api key check enabled without api_keys", errors.ErrMissingConfig),
			"security", "Validate", "check api keys")
	}
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k) == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: blank api key", errors.ErrInvalidConfig),
				"security", "Validate", "check api keys")
		}
	}
	if flag(c.EnableSignature) && c.SecretKey == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: signature check enabled without secret_key", errors.ErrMissingConfig),
			"security", "Validate", "check secret")
	}
	for _, ip := range c.AllowedIPs {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return errors.WrapInvalid(fmt.Errorf("%w: allowed ip %q", errors.ErrInvalidConfig, ip),
				"security", "Validate", "check allow-list")
		}
	}
	if c.SignatureToleranceSeconds < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative signature tolerance", errors.ErrInvalidConfig),
			"security", "Validate", "check tolerance")
	}
	return c.TLS.Server.Validate()
}

// TLSConfig holds TLS configuration for the listener and the outbound client.
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerMTLSConfig holds client certificate validation settings.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig configures HTTPS on the gateway listener.
type ServerTLSConfig struct {
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	CertFile   string           `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string           `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string           `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
	MTLS       ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// Validate requires certificate files when TLS is enabled.
func (c ServerTLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: tls enabled without cert_file/key_file", errors.ErrMissingConfig),
			"security", "Validate", "check server tls")
	}
	if c.MTLS.Enabled && len(c.MTLS.ClientCAFiles) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: mtls enabled without client_ca_files", errors.ErrMissingConfig),
			"security", "Validate", "check server mtls")
	}
	return nil
}

// ClientMTLSConfig provides a client certificate to the remote MES.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// ClientTLSConfig configures the outbound reporter. The system CA pool is
// always trusted; CAFiles are added to it.
type ClientTLSConfig struct {
	CAFiles            []string         `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool             `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // test rigs only
	MinVersion         string           `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	MTLS               ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}
