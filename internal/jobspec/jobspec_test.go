package jobspec

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/musebatch/internal/queue"
	"github.com/mattjoyce/musebatch/internal/textgen"
)

func batch(params string) queue.Batch {
	return queue.Batch{ID: "b1", Command: queue.CommandExploreStyles, Parameters: json.RawMessage(params)}
}

func TestInstruction(t *testing.T) {
	t.Parallel()
	var b ParamBuilder

	instr, p, err := b.Instruction(batch(`{"instruction":"  paint the sea ","temperature":1.1,"max_tokens":64}`))
	require.NoError(t, err)
	assert.Equal(t, "paint the sea", instr)
	assert.Equal(t, textgen.Params{Temperature: 1.1, MaxTokens: 64}, p)

	instr, _, err = b.Instruction(batch(`{"prompt":"fallback"}`))
	require.NoError(t, err)
	assert.Equal(t, "fallback", instr)

	_, _, err = b.Instruction(batch(`{}`))
	assert.True(t, errors.Is(err, ErrMissingInstruction))

	_, _, err = b.Instruction(batch(`{"instruction":7}`))
	assert.Error(t, err)
}

func TestJobsSubstitutesPlaceholders(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	params := `{"instruction":"x","jobs":[
	  {"label":"wide","payload":{"6":{"inputs":{"text":"{{generated_text}}, cinematic","seed":42}},
	                              "9":{"inputs":{"prefix":"{{work_dir}}/img","tags":["{{generated_text}}",1,null]}}}},
	  {"payload":{"6":{"inputs":{"text":"plain"}}}}
	]}`

	jobs, err := ParamBuilder{}.Jobs(batch(params), `a "quoted" dream`, dir)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "wide", jobs[0].Label)
	assert.JSONEq(t, `{"6":{"inputs":{"text":"a \"quoted\" dream, cinematic","seed":42}},
	  "9":{"inputs":{"prefix":"`+dir+`/img","tags":["a \"quoted\" dream",1,null]}}}`, string(jobs[0].Payload))
	assert.Equal(t, "job-2", jobs[1].Label)
	assert.JSONEq(t, `{"6":{"inputs":{"text":"plain"}}}`, string(jobs[1].Payload))

	data, err := os.ReadFile(filepath.Join(dir, "generated.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a \"quoted\" dream\n", string(data))
}

func TestJobsRequiresJobs(t *testing.T) {
	t.Parallel()
	_, err := ParamBuilder{}.Jobs(batch(`{"instruction":"x"}`), "text", t.TempDir())
	assert.True(t, errors.Is(err, ErrNoJobs))
}
