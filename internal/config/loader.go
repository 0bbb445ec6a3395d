package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. MUSEBATCH_QUEUE_PATH.
const EnvPrefix = "MUSEBATCH"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath (may be empty for defaults only),
// applies MUSEBATCH_* environment overrides, fills derived defaults and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := yaml.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	var absPath string
	if configPath != "" {
		absPath, err = filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		data = []byte(interpolateEnv(string(data)))
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", absPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SourceFile = absPath

	baseDir := ""
	if absPath != "" {
		baseDir = filepath.Dir(absPath)
	}
	applyConfigDefaults(&cfg, baseDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover returns the config file to load. Priority order: explicit flag,
// $MUSEBATCH_CONFIG, ~/.config/musebatch/config.yaml, ./musebatch.yaml.
// An empty result with a nil error means "run on defaults".
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %q: %w", explicit, err)
		}
		return explicit, nil
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file %q from $%s_CONFIG: %w", p, EnvPrefix, err)
		}
		return p, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "musebatch", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if _, err := os.Stat("musebatch.yaml"); err == nil {
		return "musebatch.yaml", nil
	}
	return "", nil
}

// Marshal renders cfg as YAML with secrets redacted.
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	c.LLM.APIKey = redact(c.LLM.APIKey)
	c.API.Auth.APIKey = redact(c.API.Auth.APIKey)
	tokens := make([]APIToken, len(c.API.Auth.Tokens))
	for i, t := range c.API.Auth.Tokens {
		tokens[i] = APIToken{Name: t.Name, Token: redact(t.Token), Scopes: t.Scopes}
	}
	c.API.Auth.Tokens = tokens
	return yaml.Marshal(&c)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// applyConfigDefaults resolves relative paths against baseDir and derives
// the paths that default to siblings of the queue document.
func applyConfigDefaults(cfg *Config, baseDir string) {
	cfg.Queue.Path = resolvePath(cfg.Queue.Path, baseDir)
	cfg.Engine.MainScript = resolvePath(cfg.Engine.MainScript, baseDir)
	cfg.Engine.LogPath = resolvePath(cfg.Engine.LogPath, baseDir)
	cfg.LLM.Model = resolvePath(cfg.LLM.Model, baseDir)

	queueDir := filepath.Dir(cfg.Queue.Path)
	if cfg.Coordinator.LockPath == "" {
		cfg.Coordinator.LockPath = filepath.Join(queueDir, "coordinator.lock")
	} else {
		cfg.Coordinator.LockPath = resolvePath(cfg.Coordinator.LockPath, baseDir)
	}
	if cfg.Coordinator.WorkDir == "" {
		cfg.Coordinator.WorkDir = filepath.Join(queueDir, "work")
	} else {
		cfg.Coordinator.WorkDir = resolvePath(cfg.Coordinator.WorkDir, baseDir)
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(queueDir, "history.db")
	} else {
		cfg.History.Path = resolvePath(cfg.History.Path, baseDir)
	}
	if cfg.LLM.Backend == "openai" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://127.0.0.1:8080/v1"
	}
}

func resolvePath(p, baseDir string) string {
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validate performs struct-tag validation plus cross-field checks.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				field := strings.TrimPrefix(e.Namespace(), "Config.")
				if e.Param() != "" {
					msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value()))
				} else {
					msgs = append(msgs, fmt.Sprintf("%s is %s", field, e.Tag()))
				}
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	c := cfg.Coordinator
	if c.DrainAbandonAfter <= c.DrainInterruptAfter {
		return fmt.Errorf("coordinator.drain_abandon_after (%s) must be greater than coordinator.drain_interrupt_after (%s)",
			c.DrainAbandonAfter, c.DrainInterruptAfter)
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
		return fmt.Errorf("api.auth.api_key references an unset environment variable")
	}
	for i, t := range cfg.API.Auth.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if envVarPattern.MatchString(t.Token) {
			return fmt.Errorf("api.auth.tokens[%d].token references an unset environment variable", i)
		}
	}
	return nil
}
