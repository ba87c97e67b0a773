// Package config loads the immutable signing defaults handed to the engine.
// The file is read, never written, and has no place for PINs.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/gopades/keys"
	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/pdf/layout"
	"github.com/georgepadayatti/gopades/sign/appearance"
	"github.com/georgepadayatti/gopades/sign/fields"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/signers"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrUnexpectedField    = errors.New("unexpected field in configuration")
)

// DefaultOutputDirName is the batch output directory created beside the inputs.
const DefaultOutputDirName = "imzalananlar"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrConfigurationError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Defaults holds every setting the engine and the CLI read.
type Defaults struct {
	PKCS11     PKCS11Config     `yaml:"pkcs11"`
	Appearance AppearanceConfig `yaml:"appearance"`
	Timestamp  TimestampConfig  `yaml:"timestamp"`
	LTV        LTVConfig        `yaml:"ltv"`
	Signature  SignatureConfig  `yaml:"signature"`
	Batch      BatchConfig      `yaml:"batch"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppearanceConfig describes the default visible stamp.
type AppearanceConfig struct {
	// Visible signs with a stamp unless a request overrides it.
	Visible     bool          `yaml:"visible"`
	Page        int           `yaml:"page"`
	Placement   layout.Anchor `yaml:"placement"`
	WidthMM     float64       `yaml:"width-mm"`
	HeightMM    float64       `yaml:"height-mm"`
	AspectRatio float64       `yaml:"aspect-ratio"`
	MarginXMM   float64       `yaml:"margin-x-mm"`
	MarginYMM   float64       `yaml:"margin-y-mm"`
	// ContentFile holds a pre-rendered content stream drawn as the stamp.
	ContentFile string `yaml:"content-file"`
}

// Descriptor converts the settings into a stamp descriptor, or nil when the
// stamp is not visible.
func (c AppearanceConfig) Descriptor() (*appearance.Descriptor, error) {
	if !c.Visible {
		return nil, nil
	}
	d := &appearance.Descriptor{
		Page:        c.Page,
		Placement:   c.Placement,
		WidthMM:     c.WidthMM,
		HeightMM:    c.HeightMM,
		AspectRatio: c.AspectRatio,
		MarginXMM:   c.MarginXMM,
		MarginYMM:   c.MarginYMM,
	}
	if c.ContentFile != "" {
		data, err := os.ReadFile(c.ContentFile)
		if err != nil {
			return nil, &ConfigError{Field: "appearance.content-file", Message: err.Error(), Err: err}
		}
		d.Content = data
	}
	return d, nil
}

// TimestampConfig configures the RFC 3161 client.
type TimestampConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests-per-second"`
	Username          string        `yaml:"username"`
	// PasswordEnv names the environment variable holding the password.
	PasswordEnv    string `yaml:"password-env"`
	TrustRootsFile string `yaml:"trust-roots-file"`
}

// Password reads the password from PasswordEnv.
func (c TimestampConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// LTVConfig configures validation material collection.
type LTVConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxResponseSize int64         `yaml:"max-response-size"`
	TrustRootsFile  string        `yaml:"trust-roots-file"`
}

// SignatureConfig holds the defaults of each signature request.
type SignatureConfig struct {
	SubFilter       fields.SubFilter `yaml:"sub-filter"`
	PlaceholderSize int              `yaml:"placeholder-size"`
	Reason          string           `yaml:"reason"`
	Location        string           `yaml:"location"`
	ContactInfo     string           `yaml:"contact-info"`
	Policy          mdp.Policy       `yaml:"policy"`
	MultiSignature  bool             `yaml:"multi-signature"`
}

// BatchConfig configures unattended batches.
type BatchConfig struct {
	OutputDirName   string `yaml:"output-dir-name"`
	MaxAuthFailures int    `yaml:"max-auth-failures"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() Defaults {
	return Defaults{
		Appearance: AppearanceConfig{
			Placement:   layout.TopRight,
			WidthMM:     appearance.DefaultWidthMM,
			AspectRatio: appearance.DefaultAspectRatio,
			MarginXMM:   10,
			MarginYMM:   10,
		},
		Timestamp: TimestampConfig{Timeout: 30 * time.Second},
		LTV: LTVConfig{
			Timeout:         15 * time.Second,
			MaxResponseSize: 10 << 20,
		},
		Signature: SignatureConfig{SubFilter: fields.SubFilterETSICAdESDetached},
		Batch: BatchConfig{
			OutputDirName:   DefaultOutputDirName,
			MaxAuthFailures: 2,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns ~/.gopades/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".gopades", "config.yaml")
	}
	return filepath.Join(home, ".gopades", "config.yaml")
}

// Load reads and validates the file at path on top of Default. A missing
// file at the default path yields the defaults.
func Load(path string) (Defaults, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Defaults{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Defaults, error) {
	d := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return d, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return Defaults{}, &ConfigError{Message: err.Error(), Err: ErrUnexpectedField}
		}
		return Defaults{}, &ConfigError{Message: err.Error()}
	}
	if err := d.Validate(); err != nil {
		return Defaults{}, err
	}
	return d, nil
}

// Validate checks the values for consistency.
func (d *Defaults) Validate() error {
	if err := d.PKCS11.Validate(); err != nil {
		return err
	}

	desc := appearance.Descriptor{
		WidthMM:     d.Appearance.WidthMM,
		HeightMM:    d.Appearance.HeightMM,
		AspectRatio: d.Appearance.AspectRatio,
		MarginXMM:   d.Appearance.MarginXMM,
		MarginYMM:   d.Appearance.MarginYMM,
	}
	if err := desc.Validate(); err != nil {
		return &ConfigError{Field: "appearance", Message: err.Error()}
	}

	if d.Timestamp.URL != "" {
		u, err := url.Parse(d.Timestamp.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return NewConfigError("timestamp.url", fmt.Sprintf("%q is not an http(s) URL", d.Timestamp.URL))
		}
	}
	if d.Timestamp.Timeout <= 0 {
		return NewConfigError("timestamp.timeout", "must be positive")
	}
	if d.Timestamp.RequestsPerSecond < 0 {
		return NewConfigError("timestamp.requests-per-second", "must not be negative")
	}
	if d.LTV.Timeout <= 0 {
		return NewConfigError("ltv.timeout", "must be positive")
	}
	if d.LTV.MaxResponseSize <= 0 {
		return NewConfigError("ltv.max-response-size", "must be positive")
	}

	if _, err := fields.ParseSubFilter(string(d.Signature.SubFilter)); err != nil {
		return &ConfigError{Field: "signature.sub-filter", Message: err.Error(), Err: err}
	}
	if p := d.Signature.PlaceholderSize; p < 0 || p > signers.MaxPlaceholderSize {
		return NewConfigError("signature.placeholder-size",
			fmt.Sprintf("must be between 0 and %d", signers.MaxPlaceholderSize))
	}

	if d.Batch.MaxAuthFailures < 1 {
		return NewConfigError("batch.max-auth-failures", "must be at least 1")
	}
	if d.Batch.OutputDirName == "" || strings.ContainsAny(d.Batch.OutputDirName, `/\`) {
		return NewConfigError("batch.output-dir-name", "must be a plain directory name")
	}

	if _, err := logging.ParseLevel(d.Logging.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: err.Error()}
	}
	switch strings.ToLower(d.Logging.Format) {
	case "", "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", d.Logging.Format))
	}
	return nil
}

// TrustRoots loads the certificates of path; the empty path yields none.
func TrustRoots(path string) ([]*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	certs, err := keys.LoadCertificates(path)
	if err != nil {
		return nil, &ConfigError{Field: "trust-roots-file", Message: err.Error(), Err: err}
	}
	return certs, nil
}
