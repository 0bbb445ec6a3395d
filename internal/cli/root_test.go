package cli

import (
	"bytes"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/musebatch/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("test")
	require.NotNil(t, cmd)
	assert.Equal(t, "musebatch", cmd.Use)
	assert.Contains(t, cmd.Long, "rendering engine")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	commands := [][]string{
		{"enqueue"}, {"status"}, {"remove"}, {"clear"}, {"run"}, {"wait"}, {"history"}, {"serve"}, {"version"},
		{"engine", "start"}, {"engine", "stop"}, {"engine", "restart"}, {"engine", "status"},
		{"config", "show"}, {"config", "check"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand("test")
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	maxFlag := runCmd.Flags().Lookup("max-batches")
	require.NotNil(t, maxFlag)
	assert.Equal(t, "n", maxFlag.Shorthand)
	assert.Equal(t, "0", maxFlag.DefValue)

	for _, name := range []string{"daemon", "interval", "batch"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestStatusLiveFlagDefaultsOn(t *testing.T) {
	cmd := NewRootCommand("test")
	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)

	liveFlag := statusCmd.Flags().Lookup("live")
	require.NotNil(t, liveFlag)
	assert.Equal(t, "true", liveFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "", "--format", "xml", "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "musebatch version test\n", stdout)
}

// --- helpers ---

// writeConfig writes a config file into a temp dir with the queue beside
// it. Sections in overrides replace the defaults key by key.
func writeConfig(t *testing.T, overrides map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	doc := map[string]any{
		"service": map[string]any{"log_level": "warn", "log_format": "text"},
		"queue":   map[string]any{"path": filepath.Join(dir, "batch_queue.json")},
		"llm":     map[string]any{"backend": "openai", "base_url": "http://127.0.0.1:1/v1"},
		"engine":  map[string]any{"host": "127.0.0.1", "port": 1, "probe_timeout": "200ms"},
	}
	for section, v := range overrides {
		doc[section] = v
	}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "musebatch.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// engineSection points the config at a fake engine.
func engineSection(t *testing.T, fe *testutil.FakeEngine) map[string]any {
	t.Helper()
	u, err := url.Parse(fe.URL())
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return map[string]any{
		"host":          u.Hostname(),
		"port":          port,
		"probe_timeout": "1s",
		"match_markers": []string{"musebatch-test-engine-marker"},
		"main_script":   "/nonexistent/musebatch-test-engine.py",
	}
}

// execute runs the root command with --config prepended when cfgPath is set.
func execute(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func decodeData[T any](t *testing.T, stdout string) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(stdout), &env), stdout)
	require.Equal(t, "ok", env.Status)
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), string(env.Data))
	return v
}
