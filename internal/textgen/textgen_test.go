package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/testutil"
)

// writeScript tests stay serial: exec of a freshly written file races with
// forks from parallel tests (ETXTBSY).
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llama-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newLlama(binary string) *LlamaCLI {
	logger, _ := testutil.NewTestSlogger()
	return &LlamaCLI{
		Binary:      binary,
		Model:       "/models/m.gguf",
		ContextSize: 4096,
		MaxTokens:   512,
		GPULayers:   -1,
		Temperature: 0.8,
		TopP:        0.9,
		Timeout:     10 * time.Second,
		Logger:      logger,
	}
}

func TestLlamaArgs(t *testing.T) {
	t.Parallel()
	l := newLlama("llama-cli")
	l.Threads = 8

	assert.Equal(t, []string{
		"-m", "/models/m.gguf", "-c", "4096", "-n", "256", "-ngl", "-1",
		"--temp", "0.8", "--top_p", "0.5", "--no-conversation", "--no-display-prompt",
		"-t", "8", "-p", "write a poem",
	}, l.Args("write a poem", Params{TopP: 0.5, MaxTokens: 256}))
}

func TestLlamaGenerate(t *testing.T) {
	script := writeScript(t, `for last; do :; done
echo "  $last, in ink  "
echo "[end of text]"`)

	out, err := newLlama(script).Generate(context.Background(), "a lighthouse", Params{})
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse, in ink", out)
}

func TestLlamaGenerateFailure(t *testing.T) {
	script := writeScript(t, `echo "CUDA error: out of memory" >&2
exit 3`)

	_, err := newLlama(script).Generate(context.Background(), "x", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "out of memory")
}

func TestLlamaGenerateEmpty(t *testing.T) {
	script := writeScript(t, `echo "[end of text]"`)
	_, err := newLlama(script).Generate(context.Background(), "x", Params{})
	assert.True(t, errors.Is(err, ErrEmptyOutput))
}

func TestLlamaGenerateTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	l := newLlama(script)
	l.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := l.Generate(context.Background(), "x", Params{})
	assert.True(t, errors.Is(err, ErrGenerationTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLlamaGenerateCanceled(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newLlama(script).Generate(ctx, "x", Params{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	c := &cappedBuffer{max: 4}
	n, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = c.Write([]byte("gh"))
	assert.Equal(t, "abcd\n[truncated]", c.String())
}

func TestCleanOutput(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", cleanOutput("\n hello [end of text]\n> EOF by user\n"))
	assert.Equal(t, "", cleanOutput("[end of text]"))
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()
	var got chatRequest
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(req.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" dreams of neon "},"finish_reason":"stop"}]}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	gen := NewOpenAI(config.LLMConfig{
		BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "local",
		Temperature: 0.8, TopP: 0.9, MaxTokens: 512, Timeout: time.Second,
	})
	out, err := gen.Generate(context.Background(), "describe", Params{Temperature: 1.2})
	require.NoError(t, err)
	assert.Equal(t, "dreams of neon", out)
	assert.Equal(t, "local", got.Model)
	assert.InDelta(t, 1.2, got.Temperature, 0.0001)
	assert.InDelta(t, 0.9, got.TopP, 0.0001)
	assert.Equal(t, 512, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "describe", got.Messages[0].Content)
}

func TestOpenAIErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "empty") {
			_, _ = w.Write([]byte(`{"choices":[]}`))
			return
		}
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewOpenAI(config.LLMConfig{BaseURL: srv.URL}).Generate(context.Background(), "x", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")

	_, err = NewOpenAI(config.LLMConfig{BaseURL: srv.URL + "/empty"}).Generate(context.Background(), "x", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()
	gen, err := New(config.LLMConfig{Backend: "llama_cli", Model: "m.gguf"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LlamaCLI{}, gen)

	gen, err = New(config.LLMConfig{Backend: "openai", BaseURL: "http://x"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, gen)

	_, err = New(config.LLMConfig{Backend: "llama_cli"}, nil)
	assert.Error(t, err)
	_, err = New(config.LLMConfig{Backend: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
