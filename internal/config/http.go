package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// HTTPConfig configures the segment REST API server.
type HTTPConfig struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"`
	MaxBodyBytes      int64         `envconfig:"MAX_BODY_BYTES" default:"1048576" validate:"min=1"`

	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`

	// APIKeyHash is the hex SHA-256 of the key clients send in X-API-Key.
	// Empty disables authentication outside production.
	APIKeyHash string `envconfig:"API_KEY_HASH"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// Address returns the listen address in host:port form.
func (c *HTTPConfig) Address() string {
	return c.Host + ":" + c.Port
}

// Validate checks the listen address and TLS settings.
func (c *HTTPConfig) Validate(environment string) error {
	if err := validatePort(c.Port, "http"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "http"); err != nil {
		return err
	}

	if environment == EnvironmentProduction && !c.TLSEnabled {
		return errors.New("TLS must be enabled in production environment")
	}
	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("TLS enabled but cert or key file not specified")
	}

	if environment == EnvironmentProduction && c.APIKeyHash == "" {
		return errors.New("API key hash is required in production environment")
	}
	if c.APIKeyHash != "" {
		if b, err := hex.DecodeString(c.APIKeyHash); err != nil || len(b) != sha256.Size {
			return errors.New("API key hash must be a hex encoded SHA-256 digest")
		}
	}
	return nil
}
