package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNamespace      = "antihunter"
	DefaultInboxSize      = 256
	DefaultMetricsAddress = ":9464"
)

// Config is the federation configuration of one site.
type Config struct {
	SiteID         string       `json:"site_id" yaml:"site_id"`
	SiteName       string       `json:"site_name,omitempty" yaml:"site_name,omitempty"`
	Namespace      string       `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	MetricsAddress string       `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	InboxSize      int          `json:"inbox_size,omitempty" yaml:"inbox_size,omitempty"`
	Sites          []SiteConfig `json:"sites" yaml:"sites"`
}

// SiteConfig describes one broker connection. The connection manager keeps
// one transport client per entry.
type SiteConfig struct {
	ID        string    `json:"id" yaml:"id"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	BrokerURL string    `json:"broker_url" yaml:"broker_url"`
	ClientID  string    `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username  string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string    `json:"password,omitempty" yaml:"password,omitempty"`
	TLS       TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
	QoS       QoSConfig `json:"qos,omitempty" yaml:"qos,omitempty"`
}

type TLSConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	CAPath             string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
	CertPath           string `json:"cert,omitempty" yaml:"cert,omitempty"`
	KeyPath            string `json:"key,omitempty" yaml:"key,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// QoSConfig holds a delivery level per message class.
type QoSConfig struct {
	Nodes     QoS `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Commands  QoS `json:"commands,omitempty" yaml:"commands,omitempty"`
	Targets   QoS `json:"targets,omitempty" yaml:"targets,omitempty"`
	Geofences QoS `json:"geofences,omitempty" yaml:"geofences,omitempty"`
	Events    QoS `json:"events,omitempty" yaml:"events,omitempty"`
}

// MessageClass selects a QoS level from a QoSConfig.
type MessageClass string

const (
	ClassNodes     MessageClass = "nodes"
	ClassCommands  MessageClass = "commands"
	ClassTargets   MessageClass = "targets"
	ClassGeofences MessageClass = "geofences"
	ClassEvents    MessageClass = "events"
)

// Level returns the configured QoS for class, defaulting to at-least-once.
func (q QoSConfig) Level(class MessageClass) byte {
	var v QoS
	switch class {
	case ClassNodes:
		v = q.Nodes
	case ClassCommands:
		v = q.Commands
	case ClassTargets:
		v = q.Targets
	case ClassGeofences:
		v = q.Geofences
	case ClassEvents:
		v = q.Events
	}
	if v.set {
		return v.Level
	}
	return 1
}

// QoS is a delivery level that can be written as a number (0, 1, 2) or as
// one of "at-most-once", "at-least-once", "exactly-once".
type QoS struct {
	Level byte
	set   bool
}

func NewQoS(level byte) QoS {
	return QoS{Level: level, set: true}
}

func ParseQoS(s string) (QoS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "at-most-once":
		return NewQoS(0), nil
	case "1", "at-least-once":
		return NewQoS(1), nil
	case "2", "exactly-once":
		return NewQoS(2), nil
	}
	return QoS{}, fmt.Errorf("invalid qos %q", s)
}

func (q QoS) IsSet() bool { return q.set }

func (q *QoS) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*q = QoS{}
		return nil
	case float64:
		parsed, err := ParseQoS(strconv.FormatFloat(v, 'f', -1, 64))
		if err != nil {
			return err
		}
		*q = parsed
		return nil
	case string:
		parsed, err := ParseQoS(v)
		if err != nil {
			return err
		}
		*q = parsed
		return nil
	default:
		return fmt.Errorf("qos must be a number or string, got %T", v)
	}
}

func (q QoS) MarshalJSON() ([]byte, error) {
	if !q.set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(q.Level))), nil
}

func (q *QoS) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*q = QoS{}
		return nil
	}
	parsed, err := ParseQoS(node.Value)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q QoS) MarshalYAML() (interface{}, error) {
	if !q.set {
		return nil, nil
	}
	return int(q.Level), nil
}

// LoadConfig reads a JSON or YAML config file, chosen by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a single-broker config from MESHFED_* variables. A .env
// file in the working directory is loaded first when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SiteID:         os.Getenv("MESHFED_SITE_ID"),
		SiteName:       os.Getenv("MESHFED_SITE_NAME"),
		Namespace:      getEnv("MESHFED_NAMESPACE", DefaultNamespace),
		MetricsAddress: getEnv("MESHFED_METRICS_ADDRESS", DefaultMetricsAddress),
	}

	if v := os.Getenv("MESHFED_INBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MESHFED_INBOX_SIZE: %w", err)
		}
		cfg.InboxSize = n
	}

	if url := os.Getenv("MESHFED_BROKER_URL"); url != "" {
		site := SiteConfig{
			ID:        getEnv("MESHFED_BROKER_SITE_ID", cfg.SiteID),
			Enabled:   getEnv("MESHFED_BROKER_ENABLED", "true") != "false",
			BrokerURL: url,
			ClientID:  os.Getenv("MESHFED_CLIENT_ID"),
			Username:  os.Getenv("MESHFED_USERNAME"),
			Password:  os.Getenv("MESHFED_PASSWORD"),
			TLS: TLSConfig{
				CAPath:   os.Getenv("MESHFED_TLS_CA"),
				CertPath: os.Getenv("MESHFED_TLS_CERT"),
				KeyPath:  os.Getenv("MESHFED_TLS_KEY"),
			},
		}
		site.TLS.Enabled = site.TLS.CAPath != "" || strings.HasPrefix(url, "ssl://") ||
			strings.HasPrefix(url, "tls://") || strings.HasPrefix(url, "mqtts://")
		if v := os.Getenv("MESHFED_QOS"); v != "" {
			q, err := ParseQoS(v)
			if err != nil {
				return nil, fmt.Errorf("invalid MESHFED_QOS: %w", err)
			}
			site.QoS = QoSConfig{Nodes: q, Commands: q, Targets: q, Geofences: q, Events: q}
		}
		cfg.Sites = append(cfg.Sites, site)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.SiteName == "" {
		c.SiteName = c.SiteID
	}
}

// Validate checks the fields the federation engine cannot run without.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return errors.New("site_id is required")
	}
	if strings.ContainsAny(c.SiteID, "/+#") {
		return fmt.Errorf("site_id %q must not contain topic separators or wildcards", c.SiteID)
	}
	if strings.ContainsAny(c.Namespace, "+#") || strings.Trim(c.Namespace, "/") == "" {
		return fmt.Errorf("invalid namespace %q", c.Namespace)
	}

	seen := make(map[string]bool)
	for i, site := range c.Sites {
		if site.ID == "" {
			return fmt.Errorf("sites[%d]: id is required", i)
		}
		if seen[site.ID] {
			return fmt.Errorf("sites[%d]: duplicate id %q", i, site.ID)
		}
		seen[site.ID] = true
		if site.TLS.Enabled && (site.TLS.CertPath == "") != (site.TLS.KeyPath == "") {
			return fmt.Errorf("sites[%d]: tls cert and key must be set together", i)
		}
	}
	return nil
}

// Site returns the broker config with the given id.
func (c *Config) Site(id string) (SiteConfig, bool) {
	for _, site := range c.Sites {
		if site.ID == id {
			return site, true
		}
	}
	return SiteConfig{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
