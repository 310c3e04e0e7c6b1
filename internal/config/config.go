package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"inkline/internal/domain"
)

// Config models inkline.yml.
type Config struct {
	Platform struct {
		Name string `yaml:"name"`
	} `yaml:"platform"`
	Signing struct {
		DefaultExpiryDays int             `yaml:"default_expiry_days"`
		DefaultMode       domain.SignMode `yaml:"default_mode"`
	} `yaml:"signing"`
	Storage struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"access_key"`
		SecretKey  string `yaml:"secret_key"`
		Bucket     string `yaml:"bucket"`
		UseSSL     bool   `yaml:"use_ssl"`
		ExpireDays int    `yaml:"expire_days"`
	} `yaml:"storage"`
	Directory struct {
		// Participants maps contact info to an identity reference.
		Participants map[string]string `yaml:"participants"`
	} `yaml:"directory"`
	Templates []TemplateConfig `yaml:"templates"`
	Webhooks  []WebhookConfig  `yaml:"webhooks"`
}

// TemplateConfig is a template definition seeded into the registry at startup.
type TemplateConfig struct {
	ID    string       `yaml:"id"`
	Title string       `yaml:"title"`
	Mode  string       `yaml:"mode"`
	Roles []RoleConfig `yaml:"roles"`
}

type RoleConfig struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"`
	Required *bool         `yaml:"required"`
	Ordinal  int           `yaml:"ordinal"`
	Fields   []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	Page     int     `yaml:"page"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Width    float64 `yaml:"width"`
	Height   float64 `yaml:"height"`
	Kind     string  `yaml:"kind"`
	Required *bool   `yaml:"required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ink config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Signing.DefaultExpiryDays < 0 {
		return fmt.Errorf("config.signing.default_expiry_days must not be negative")
	}
	if c.Signing.DefaultMode != "" && !c.Signing.DefaultMode.Valid() {
		return fmt.Errorf("config.signing.default_mode must be sequential or parallel")
	}
	seen := map[string]bool{}
	for _, tpl := range c.Templates {
		if tpl.ID == "" {
			return fmt.Errorf("template without id")
		}
		if seen[tpl.ID] {
			return fmt.Errorf("duplicate template id %s", tpl.ID)
		}
		seen[tpl.ID] = true
		if !domain.SignMode(tpl.Mode).Valid() {
			return fmt.Errorf("template %s: mode must be sequential or parallel", tpl.ID)
		}
		if len(tpl.Roles) == 0 {
			return fmt.Errorf("template %s has no roles", tpl.ID)
		}
		ordinals := map[int]string{}
		names := map[string]bool{}
		for _, role := range tpl.Roles {
			if role.Name == "" {
				return fmt.Errorf("template %s: role without name", tpl.ID)
			}
			if names[role.Name] {
				return fmt.Errorf("template %s: duplicate role %s", tpl.ID, role.Name)
			}
			names[role.Name] = true
			if !domain.ParticipantKind(role.Kind).Valid() {
				return fmt.Errorf("template %s role %s: kind must be personal or enterprise", tpl.ID, role.Name)
			}
			if other, ok := ordinals[role.Ordinal]; ok {
				return fmt.Errorf("template %s: roles %s and %s share ordinal %d", tpl.ID, other, role.Name, role.Ordinal)
			}
			ordinals[role.Ordinal] = role.Name
			for i, f := range role.Fields {
				if !domain.FieldKind(f.Kind).Valid() {
					return fmt.Errorf("template %s role %s field %d: kind must be signature or seal", tpl.ID, role.Name, i)
				}
				if f.Page < 1 {
					return fmt.Errorf("template %s role %s field %d: page must be >= 1", tpl.ID, role.Name, i)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "inkline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  name: inkline

signing:
  default_expiry_days: 30
  default_mode: parallel

storage:
  endpoint: localhost:9000
  access_key: minioadmin
  secret_key: minioadmin
  bucket: inkline
  use_ssl: false
  expire_days: 7

directory:
  participants: {}

templates:
  - id: nda-two-party
    title: Mutual NDA
    mode: sequential
    roles:
      - name: disclosing-party
        kind: enterprise
        ordinal: 1
        fields:
          - { page: 3, x: 80, y: 640, width: 160, height: 60, kind: seal }
      - name: receiving-party
        kind: personal
        ordinal: 2
        fields:
          - { page: 3, x: 320, y: 640, width: 160, height: 60, kind: signature }

webhooks: []
`
