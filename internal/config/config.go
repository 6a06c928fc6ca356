// Package config defines the configuration tree consumed by Proxy and
// SiteApp.
//
// Loading a config file into these structs is an ambient concern,
// implemented here (Load) the same way a services.go config loader would:
// os.ReadFile + yaml.Unmarshal + a required-field validation pass. The CLI
// surface around it (flags and environment variables) lives in
// cmd/siterun, not in this package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tree is the root configuration document.
type Tree struct {
	Proxies []ProxyConfig    `yaml:"proxies"`
	Sites   []SiteConfig     `yaml:"sites"`
	Shared  SharedConfig     `yaml:"shared"`
}

// ProxyConfig describes one front-end listener.
type ProxyConfig struct {
	Name      string   `yaml:"name"`
	HTTPPort  int      `yaml:"httpPort"`
	HTTPSPort int      `yaml:"httpsPort"`
	CertPath  string   `yaml:"certPath"`
	KeyPath   string   `yaml:"keyPath"`
	Sites     []string `yaml:"sites"` // site names this proxy fronts
	Verbose   bool     `yaml:"verbose"`
}

// SiteConfig describes one SiteApp.
type SiteConfig struct {
	Name     string            `yaml:"name"`
	Host     string            `yaml:"host"`
	Aliases  []string          `yaml:"aliases"`
	Port     int               `yaml:"port"`
	Headers  map[string]string `yaml:"headers"`
	Root     string            `yaml:"root"`
	AuthOn   bool              `yaml:"auth"`
	Handlers []HandlerConfig   `yaml:"handlers"`
	DBPath   string            `yaml:"dbPath"`
	Token    TokenConfig       `yaml:"token"`
	CORS     CORSConfig        `yaml:"cors"`
}

// HandlerConfig picks one native/api/custom middleware for a route.
type HandlerConfig struct {
	Route string `yaml:"route"`
	Kind  string `yaml:"kind"` // "content" | "api" | code name of a custom middleware
	Root  string `yaml:"root,omitempty"`
}

// CORSConfig configures the cors middleware.
type CORSConfig struct {
	Origins     []string `yaml:"origins"`
	Headers     []string `yaml:"headers"`
	Methods     []string `yaml:"methods"`
	Credentials bool     `yaml:"credentials"`
}

// TokenConfig parametrizes internal/tokensvc.
type TokenConfig struct {
	Secret        string        `yaml:"secret"`
	ExpirySeconds int           `yaml:"expirySeconds"`
	AllowRenewal  bool          `yaml:"allowRenewal"`
	BcryptCost    int           `yaml:"bcryptCost"`
	ThrottleAfter int           `yaml:"throttleAfter"` // lock once failures exceed this, default 3 (locks on the 5th attempt)
	ThrottleWindow time.Duration `yaml:"throttleWindow"`
}

// SharedConfig holds cross-site collaborators: default headers every site
// inherits (a site's own Headers take precedence key-by-key) and the
// mail/sms collaborator endpoints every site's ApiWare dispatches through.
type SharedConfig struct {
	Headers map[string]string `yaml:"headers"`
	Mail    MailConfig        `yaml:"mail"`
	SMS     SMSConfig         `yaml:"sms"`
}

// MailConfig is the SendGrid collaborator endpoint (implementation out of
// scope — this is just where its base URL/key would be supplied).
type MailConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	From    string `yaml:"from"`
}

// SMSConfig is the Twilio collaborator endpoint (same scoping as MailConfig).
type SMSConfig struct {
	AccountSID string `yaml:"accountSID"`
	AuthToken  string `yaml:"authToken"`
	BaseURL    string `yaml:"baseURL"`
	From       string `yaml:"from"`
}

// Load reads and decodes a YAML config tree, applying a required-field
// validation pass after decoding.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var t Tree
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tree) validate() error {
	for _, p := range t.Proxies {
		if p.Name == "" {
			return fmt.Errorf("proxy: name is required")
		}
		if p.HTTPPort == 0 && p.HTTPSPort == 0 {
			return fmt.Errorf("proxy %s: httpPort or httpsPort is required", p.Name)
		}
	}
	for _, s := range t.Sites {
		if s.Name == "" {
			return fmt.Errorf("site: name is required")
		}
		if s.Host == "" {
			return fmt.Errorf("site %s: host is required", s.Name)
		}
		if s.Port == 0 {
			return fmt.Errorf("site %s: port is required", s.Name)
		}
	}
	return nil
}
