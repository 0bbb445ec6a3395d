// Package doctor validates musebatch configuration and the host it runs on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/musebatch/internal/auth"
	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config

	lookPath  func(string) (string, error)
	stat      func(string) (os.FileInfo, error)
	localPath func(path, purpose string) error
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:       cfg,
		lookPath:  exec.LookPath,
		stat:      os.Stat,
		localPath: storage.ValidateLocalPath,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStorage(r)
	d.validateTimings(r)
	d.validateEngine(r)
	d.validateLLM(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStorage checks that lock-guarded files live on a local filesystem.
func (d *Doctor) validateStorage(r *Result) {
	if d.cfg.Queue.Path == "" {
		d.addError(r, "storage", "queue.path", "queue.path is required")
	} else if err := d.localPath(d.cfg.Queue.Path, "queue"); err != nil {
		d.addError(r, "storage", "queue.path", err.Error())
	}
	if d.cfg.Coordinator.LockPath != "" {
		if err := d.localPath(d.cfg.Coordinator.LockPath, "coordinator lock"); err != nil {
			d.addError(r, "storage", "coordinator.lock_path", err.Error())
		}
	}
	if d.cfg.History.Enabled && d.cfg.History.Path != "" {
		if err := d.localPath(d.cfg.History.Path, "history"); err != nil {
			d.addError(r, "storage", "history.path", err.Error())
		}
	}
}

// validateTimings checks that the polling thresholds are ordered sensibly.
func (d *Doctor) validateTimings(r *Result) {
	c := d.cfg.Coordinator
	if c.DrainInterruptAfter >= c.DrainAbandonAfter {
		d.addError(r, "timings", "coordinator.drain_interrupt_after",
			fmt.Sprintf("drain_interrupt_after (%s) must be shorter than drain_abandon_after (%s)",
				c.DrainInterruptAfter, c.DrainAbandonAfter))
	}
	if c.DrainAbandonAfter > c.DrainTimeout {
		d.addWarning(r, "timings", "coordinator.drain_abandon_after",
			"drain_abandon_after exceeds drain_timeout; a stuck queue is never abandoned")
	}
	if c.DrainPoll >= c.DrainInterruptAfter {
		d.addWarning(r, "timings", "coordinator.drain_poll", "drain_poll is not shorter than drain_interrupt_after")
	}

	m := d.cfg.Monitor
	if m.PollInterval >= m.StallAfter {
		d.addError(r, "timings", "monitor.stall_after",
			fmt.Sprintf("stall_after (%s) must be longer than poll_interval (%s)", m.StallAfter, m.PollInterval))
	}
	if c.BatchTimeout <= m.StallAfter {
		d.addWarning(r, "timings", "coordinator.batch_timeout", "batch_timeout is shorter than monitor.stall_after")
	}
	if !m.TreatVanishedAsCompleted {
		d.addWarning(r, "monitor", "monitor.treat_vanished_as_completed",
			"jobs without a history record will fail their batch")
	}
}

// validateEngine checks the engine launch settings.
func (d *Doctor) validateEngine(r *Result) {
	e := d.cfg.Engine
	if _, err := d.lookPath(e.Python); err != nil {
		d.addWarning(r, "engine", "engine.python", fmt.Sprintf("interpreter %q not found on PATH", e.Python))
	}
	if _, err := d.stat(e.MainScript); err != nil {
		d.addWarning(r, "engine", "engine.main_script",
			fmt.Sprintf("engine entry point %s not found; starting the engine will fail", e.MainScript))
	}
	if len(e.MatchMarkers) == 0 {
		d.addWarning(r, "engine", "engine.match_markers",
			"no match markers; stray sweep matches on the script name only")
	}
	if e.CPU && e.LowVRAM {
		d.addWarning(r, "engine", "engine.low_vram", "low_vram has no effect with cpu")
	}
}

// validateLLM checks the selected text generation backend.
func (d *Doctor) validateLLM(r *Result) {
	l := d.cfg.LLM
	switch l.Backend {
	case "llama_cli":
		if _, err := d.lookPath(l.Binary); err != nil {
			d.addError(r, "llm", "llm.binary", fmt.Sprintf("llama binary %q not found", l.Binary))
		}
		if l.Model == "" {
			d.addError(r, "llm", "llm.model", "llm.model is required for the llama_cli backend")
		} else if _, err := d.stat(l.Model); err != nil {
			d.addError(r, "llm", "llm.model", fmt.Sprintf("model file %s not found", l.Model))
		} else if !strings.EqualFold(filepath.Ext(l.Model), ".gguf") {
			d.addWarning(r, "llm", "llm.model", "model file does not have a .gguf extension")
		}
	case "openai":
		if l.BaseURL == "" {
			d.addError(r, "llm", "llm.base_url", "llm.base_url is required for the openai backend")
		}
		if l.Model == "" {
			d.addWarning(r, "llm", "llm.model", "no model set; the server default is used")
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
				"token has no scopes and can only reach /healthz")
		}
		for j, scope := range token.Scopes {
			if !auth.KnownScope(strings.TrimSpace(scope)) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected queue:ro, queue:rw, events:ro, events:rw or *)", scope))
			}
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}

	secrets := map[string]string{
		"api.auth.api_key": d.cfg.API.Auth.APIKey,
		"llm.api_key":      d.cfg.LLM.APIKey,
	}
	for field, v := range secrets {
		for _, m := range envVarRe.FindAllStringSubmatch(v, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
