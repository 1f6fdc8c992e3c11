package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the config file and environment
const (
	DefaultName    = "LMNOP Notifier"
	DefaultAPIKey  = "demo-key"
	DefaultDBPath  = "lmnop.db"
	DefaultAPIPort = 8081
)

// Config is the notifier configuration
type Config struct {
	HAURL           string  `yaml:"ha_url"`
	HAToken         string  `yaml:"ha_token"`
	Name            string  `yaml:"name"`
	APIKey          string  `yaml:"api_key"`
	AlertLightGroup string  `yaml:"alert_light_group"`
	InstanceID      string  `yaml:"instance_id"`
	DBPath          string  `yaml:"db_path"`
	APIPort         int     `yaml:"api_port"`
	LightCommandRPS float64 `yaml:"light_command_rps"`
	PublishStatus   bool    `yaml:"publish_status"`
	ReadOnly        bool    `yaml:"read_only"`
}

// Loader builds a Config from defaults, an optional YAML file named by
// LMNOP_CONFIG, and environment variables, in increasing precedence
type Loader struct {
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a configuration loader reading the process environment
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger:    logger.Named("config"),
		lookupEnv: os.LookupEnv,
	}
}

// Load reads and validates the configuration
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{
		Name:          DefaultName,
		APIKey:        DefaultAPIKey,
		DBPath:        DefaultDBPath,
		APIPort:       DefaultAPIPort,
		PublishStatus: true,
	}

	if path, ok := l.lookupEnv("LMNOP_CONFIG"); ok && path != "" {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("name", cfg.Name),
		zap.String("alert_light_group", cfg.AlertLightGroup),
		zap.String("db_path", cfg.DBPath),
		zap.Int("api_port", cfg.APIPort),
		zap.Bool("read_only", cfg.ReadOnly))
	return cfg, nil
}

// loadFile overlays the YAML file onto cfg
func (l *Loader) loadFile(path string, cfg *Config) error {
	l.logger.Debug("Loading config file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg
func (l *Loader) applyEnv(cfg *Config) error {
	strVars := map[string]*string{
		"HA_URL":                  &cfg.HAURL,
		"HA_TOKEN":                &cfg.HAToken,
		"LMNOP_NAME":              &cfg.Name,
		"LMNOP_API_KEY":           &cfg.APIKey,
		"LMNOP_ALERT_LIGHT_GROUP": &cfg.AlertLightGroup,
		"LMNOP_INSTANCE_ID":       &cfg.InstanceID,
		"LMNOP_DB_PATH":           &cfg.DBPath,
	}
	for key, dst := range strVars {
		if v, ok := l.lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	var errs error
	if v, ok := l.lookupEnv("LMNOP_API_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid LMNOP_API_PORT %q: %w", v, err))
		} else {
			cfg.APIPort = port
		}
	}
	if v, ok := l.lookupEnv("LMNOP_LIGHT_COMMAND_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid LMNOP_LIGHT_COMMAND_RPS %q: %w", v, err))
		} else {
			cfg.LightCommandRPS = rps
		}
	}
	if v, ok := l.lookupEnv("LMNOP_PUBLISH_STATUS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid LMNOP_PUBLISH_STATUS %q: %w", v, err))
		} else {
			cfg.PublishStatus = b
		}
	}
	if v, ok := l.lookupEnv("READ_ONLY"); ok && v != "" {
		cfg.ReadOnly = v == "true"
	}

	return errs
}

// validInstanceID keeps notification id prefixes unambiguous: with no "_" in
// the id, "lmnop_<id>_" never matches another instance's notifications
var validInstanceID = regexp.MustCompile(`^[a-z0-9]+$`)

// reservedInstanceID would make the alert store key collide with lmnop.instance,
// where the generated instance id is kept
const reservedInstanceID = "instance"

// Validate checks required settings
func (c *Config) Validate() error {
	var errs error
	if c.HAURL == "" || c.HAToken == "" {
		errs = multierr.Append(errs, fmt.Errorf("HA_URL and HA_TOKEN must be set"))
	}
	if c.AlertLightGroup != "" && !strings.HasPrefix(c.AlertLightGroup, "light.") {
		errs = multierr.Append(errs, fmt.Errorf("alert light group %q must be a light entity", c.AlertLightGroup))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("api port %d out of range", c.APIPort))
	}
	if c.LightCommandRPS < 0 {
		errs = multierr.Append(errs, fmt.Errorf("light command rate must not be negative"))
	}
	if c.InstanceID != "" && !validInstanceID.MatchString(c.InstanceID) {
		errs = multierr.Append(errs, fmt.Errorf("instance id %q must be lowercase letters and digits", c.InstanceID))
	}
	if c.InstanceID == reservedInstanceID {
		errs = multierr.Append(errs, fmt.Errorf("instance id %q is reserved", c.InstanceID))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = multierr.Append(errs, fmt.Errorf("name must not be empty"))
	}
	return errs
}
