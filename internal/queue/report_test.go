package queue

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "00h:00m:00s", FormatDuration(0))
	assert.Equal(t, "00h:00m:00s", FormatDuration(-5))
	assert.Equal(t, "00h:38m:07s", FormatDuration(2287.5))
	assert.Equal(t, "26h:01m:01s", FormatDuration(93661))
}

func TestWriteReportGolden(t *testing.T) {
	t.Parallel()

	sum := Summary{
		Total:                 4,
		Pending:               1,
		ProcessingImages:      1,
		Processing:            1,
		Completed:             1,
		Failed:                1,
		TotalEstimatedSeconds: 2287.5,
		QueueFile:             "/var/lib/musebatch/batch_queue.json",
		Batches: []Batch{
			{
				ID:                "20260301_120000_explore_styles_demo_aaaa0001",
				Command:           CommandExploreStyles,
				Project:           "demo",
				Status:            StatusProcessingImages,
				Created:           t0,
				EstimatedDuration: 2037.5,
				Parameters:        json.RawMessage(`{"dream_count":5,"n":10}`),
			},
			{
				ID:                "20260301_120500_refine_styles_demo_aaaa0002",
				Command:           CommandRefineStyles,
				Project:           "demo",
				Status:            StatusPending,
				Created:           t0,
				EstimatedDuration: 2287.5,
				Parameters:        json.RawMessage(`{}`),
			},
			{
				ID:                "20260301_110000_explore_narrative_demo_aaaa0003",
				Command:           CommandExploreNarrative,
				Project:           "demo",
				Status:            StatusCompleted,
				Created:           t0,
				EstimatedDuration: 212.5,
			},
			{
				ID:                "20260301_100000_explore_styles_old_aaaa0004",
				Command:           CommandExploreStyles,
				Project:           "old",
				Status:            StatusFailed,
				Created:           t0,
				EstimatedDuration: 2037.5,
				ErrorMessage:      "CUDA out of memory",
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sum, nil, &LiveCounts{Running: 1, Pending: 37}))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "status_report", buf.Bytes())
}

func TestWriteReportEmptyQueue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, Summary{QueueFile: "q.json"}, nil, nil))

	out := buf.String()
	assert.Contains(t, out, "Total batches: 0")
	assert.NotContains(t, out, "Estimated completion time")
	assert.NotContains(t, out, "ACTIVE BATCHES")
	assert.NotContains(t, out, "FAILED BATCHES")
}
