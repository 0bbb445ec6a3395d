// Package jobspec turns a batch's opaque parameters into the text phase
// instruction and the engine job payloads. Payloads are never interpreted;
// only placeholder strings inside them are substituted.
package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/musebatch/internal/queue"
	"github.com/mattjoyce/musebatch/internal/textgen"
)

// Placeholders replaced inside payload strings.
const (
	GeneratedTextToken = "{{generated_text}}"
	WorkDirToken       = "{{work_dir}}"
)

var (
	ErrMissingInstruction = errors.New("batch parameters carry no instruction")
	ErrNoJobs             = errors.New("batch parameters carry no jobs")
)

// Job is one payload to submit to the engine.
type Job struct {
	Label   string          `json:"label"`
	Payload json.RawMessage `json:"payload"`
}

type Builder interface {
	Instruction(b queue.Batch) (string, textgen.Params, error)
	Jobs(b queue.Batch, generated, workDir string) ([]Job, error)
}

// ParamBuilder reads parameters.instruction (or prompt), the optional
// sampling overrides, and parameters.jobs.
type ParamBuilder struct{}

type batchParams struct {
	Instruction string  `json:"instruction"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	Jobs        []Job   `json:"jobs"`
}

func decode(b queue.Batch) (batchParams, error) {
	var p batchParams
	if len(b.Parameters) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b.Parameters, &p); err != nil {
		return p, fmt.Errorf("decode parameters of %s: %w", b.ID, err)
	}
	return p, nil
}

func (ParamBuilder) Instruction(b queue.Batch) (string, textgen.Params, error) {
	p, err := decode(b)
	if err != nil {
		return "", textgen.Params{}, err
	}
	instruction := strings.TrimSpace(p.Instruction)
	if instruction == "" {
		instruction = strings.TrimSpace(p.Prompt)
	}
	if instruction == "" {
		return "", textgen.Params{}, fmt.Errorf("%w: %s", ErrMissingInstruction, b.ID)
	}
	return instruction, textgen.Params{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}, nil
}

// Jobs substitutes the generated text and work dir into every payload and
// records the generated text as generated.txt in workDir.
func (ParamBuilder) Jobs(b queue.Batch, generated, workDir string) ([]Job, error) {
	p, err := decode(b)
	if err != nil {
		return nil, err
	}
	if len(p.Jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoJobs, b.ID)
	}
	if workDir != "" {
		if err := os.WriteFile(filepath.Join(workDir, "generated.txt"), []byte(generated+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write generated text: %w", err)
		}
	}

	r := strings.NewReplacer(GeneratedTextToken, generated, WorkDirToken, workDir)
	out := make([]Job, 0, len(p.Jobs))
	for i, j := range p.Jobs {
		var v any
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			return nil, fmt.Errorf("job %d payload: %w", i, err)
		}
		payload, err := json.Marshal(substitute(v, r))
		if err != nil {
			return nil, fmt.Errorf("job %d payload: %w", i, err)
		}
		label := j.Label
		if label == "" {
			label = fmt.Sprintf("job-%d", i+1)
		}
		out = append(out, Job{Label: label, Payload: payload})
	}
	return out, nil
}

func substitute(v any, r *strings.Replacer) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		for k, val := range t {
			t[k] = substitute(val, r)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = substitute(val, r)
		}
		return t
	default:
		return v
	}
}
