package reporter

import (
	"fmt"
	"net/url"
	"time"

	"github.com/c360/mesgateway/errors"
)

// Config holds the remote MES endpoint and the credentials used to sign
// outbound reports.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Secret  string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// DevCode and Operator stamp every request envelope. They come from the
	// device section of the settings file.
	DevCode  string `json:"-" yaml:"-"`
	Operator string `json:"-" yaml:"-"`
}

// DefaultConfig returns a config pointing at a local MES with a 30s timeout.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9000",
		Timeout: 30 * time.Second,
	}
}

// Validate checks the base URL and timeout.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "reporter", "Validate", "base_url")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WrapInvalid(err, "reporter", "Validate", "parse base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(fmt.Errorf("%w: base_url scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"reporter", "Validate", "check base_url")
	}
	if u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: base_url has no host", errors.ErrInvalidConfig),
			"reporter", "Validate", "check base_url")
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative timeout", errors.ErrInvalidConfig),
			"reporter", "Validate", "check timeout")
	}
	return nil
}
