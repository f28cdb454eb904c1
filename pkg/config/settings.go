package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// Settings is the complete configuration of a pagepoet crawl. The same value
// is injected into providers that declare the settings capability.
type Settings struct {
	// BotName identifies the crawler in the User-Agent and in stored sessions.
	BotName string `yaml:"bot_name" json:"bot_name" validate:"required"`

	// Spider is the name of the spider the crawl runs as.
	Spider string `yaml:"spider" json:"spider" validate:"required"`

	// StartURLs are requested when a crawl begins.
	StartURLs []string `yaml:"start_urls" json:"start_urls" validate:"dive,url"`

	// DefaultCallback handles requests that name no callback.
	DefaultCallback string `yaml:"default_callback" json:"default_callback" validate:"required"`

	// Callbacks are declared without Go code: either materialized from an
	// item page or loaded from a Starlark script.
	Callbacks []CallbackConfig `yaml:"callbacks" json:"callbacks" validate:"dive"`

	Download    DownloadSettings    `yaml:"download" json:"download"`
	AutoExtract AutoExtractSettings `yaml:"autoextract" json:"autoextract"`
	Store       StoreSettings       `yaml:"store" json:"store"`
	Policy      PolicySettings      `yaml:"policy" json:"policy"`

	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// CallbackConfig declares one callback. Exactly one of Page and Script must
// be set.
type CallbackConfig struct {
	// Name is the name requests refer to.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Page is an item page capability to extract items from.
	Page string `yaml:"page,omitempty" json:"page,omitempty" validate:"required_without=Script,excluded_with=Script"`

	// Script is the path of a Starlark script defining the callback.
	Script string `yaml:"script,omitempty" json:"script,omitempty" validate:"required_without=Page"`

	// Params are the capabilities injected into a script callback, in
	// order. An empty entry declares an untyped parameter.
	Params []string `yaml:"params,omitempty" json:"params,omitempty" validate:"excluded_with=Page"`

	// Function is the Starlark function to call (default "parse").
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
}

// DownloadSettings configures the HTTP downloader.
type DownloadSettings struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	UserAgent    string        `yaml:"user_agent" json:"user_agent"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency" validate:"min=1,max=256"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" json:"max_body_bytes" validate:"min=0"`

	// DepthLimit bounds follow-up requests yielded by callbacks. Zero
	// crawls the start URLs only.
	DepthLimit int `yaml:"depth_limit" json:"depth_limit" validate:"min=0"`
}

// AutoExtractSettings configures the AutoExtract API client.
type AutoExtractSettings struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	URL        string        `yaml:"url" json:"url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey     string        `yaml:"api_key" json:"api_key" validate:"required_if=Enabled true"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries" validate:"min=0,max=10"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// StoreSettings configures item and session persistence.
type StoreSettings struct {
	// Path is the SQLite database file. ":memory:" keeps everything in
	// process.
	Path string `yaml:"path" json:"path" validate:"required"`
}

// PolicySettings configures the policies every request must pass before it
// is crawled.
type PolicySettings struct {
	// AllowedDomains restricts requests to these domains and their
	// subdomains. Empty allows every domain.
	AllowedDomains []string `yaml:"allowed_domains" json:"allowed_domains" validate:"dive,hostname"`

	// MaxURLLength drops requests with longer URLs. Zero disables the check.
	MaxURLLength int `yaml:"max_url_length" json:"max_url_length" validate:"min=0"`

	// Paths are Rego (.rego) or JSON (.json) policy files, or directories of
	// them, evaluated besides the built-in policies.
	Paths []string `yaml:"paths" json:"paths"`

	// Watch reloads the policy files when they change.
	Watch bool `yaml:"watch" json:"watch"`
}

// DefaultSettings returns settings that crawl with the built-in parse
// callback, no AutoExtract and a local database.
func DefaultSettings() *Settings {
	return &Settings{
		BotName:         "pagepoet",
		Spider:          "default",
		DefaultCallback: "parse",
		Download: DownloadSettings{
			Timeout:      30 * time.Second,
			UserAgent:    "pagepoet",
			Concurrency:  8,
			MaxBodyBytes: 10 << 20,
			DepthLimit:   2,
		},
		AutoExtract: AutoExtractSettings{
			URL:        "https://autoextract.scrapinghub.com/v1/extract",
			MaxRetries: 3,
			Timeout:    660 * time.Second,
		},
		Store: StoreSettings{
			Path: "pagepoet.db",
		},
		Policy: PolicySettings{
			MaxURLLength: 2083,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks struct constraints and the embedded telemetry config.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	seen := make(map[string]bool, len(s.Callbacks))
	for _, cb := range s.Callbacks {
		if seen[cb.Name] {
			return fmt.Errorf("invalid settings: callback %s declared twice", cb.Name)
		}
		seen[cb.Name] = true
	}

	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return nil
}

// Callback returns the declared callback with the given name.
func (s *Settings) Callback(name string) (CallbackConfig, bool) {
	for _, cb := range s.Callbacks {
		if cb.Name == name {
			return cb, true
		}
	}
	return CallbackConfig{}, false
}
