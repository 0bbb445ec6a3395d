// Package textgen produces the text phase output: a local llama.cpp run or an
// OpenAI-compatible HTTP endpoint.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/log"
)

var (
	ErrGenerationTimeout = errors.New("text generation timed out")
	ErrEmptyOutput       = errors.New("text generation produced no output")
)

// Params override the configured sampling settings for one call. Zero
// values keep the configured setting.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Generator interface {
	Generate(ctx context.Context, instruction string, p Params) (string, error)
}

// New builds the generator selected by cfg.Backend.
func New(cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = log.WithComponent("textgen")
	}
	switch cfg.Backend {
	case "", "llama_cli":
		if cfg.Model == "" {
			return nil, fmt.Errorf("llm.model is required for the llama_cli backend")
		}
		return &LlamaCLI{
			Binary:      cfg.Binary,
			Model:       cfg.Model,
			ContextSize: cfg.ContextSize,
			MaxTokens:   cfg.MaxTokens,
			GPULayers:   cfg.GPULayers,
			Threads:     cfg.Threads,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			Timeout:     cfg.Timeout,
			Logger:      logger,
		}, nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

var trailers = []string{"[end of text]", "> EOF by user"}

// cleanOutput trims whitespace and llama.cpp's end markers.
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, t := range trailers {
			if strings.HasSuffix(s, t) {
				s = strings.TrimSpace(strings.TrimSuffix(s, t))
				changed = true
			}
		}
	}
	return s
}

func pick[T comparable](override, def T) T {
	var zero T
	if override != zero {
		return override
	}
	return def
}
