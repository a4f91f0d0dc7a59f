package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPlanView(t *testing.T) {
	cfg := loadTestConfig(t, map[string]any{
		"pipeline": map[string]any{"parse": map[string]any{"timeout": "20m"}},
		"archive":  map[string]any{"kind": "s3", "bucket": "retractions"},
	})
	plan, err := buildPlan(cfg)
	require.NoError(t, err)
	view := newPlanView(plan, cfg)

	require.Len(t, view.Stages, 3)
	assert.Equal(t, "download", view.Stages[0].Name)
	assert.Equal(t, "retraction-list/v1", view.Stages[1].Payload)
	assert.Equal(t, (20 * time.Minute).String(), view.Stages[1].Timeout)
	assert.Equal(t, "pipe", view.Stages[2].Stdin)

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writePlanText(&buf, view))
		out := buf.String()
		assert.Contains(t, out, "1. download")
		assert.Contains(t, out, "parse-pubmed-files Retractions")
		assert.Contains(t, out, "stdin=none stdout=capture payload=retraction-list/v1 timeout=20m0s")
		assert.Contains(t, out, "lock: crawling.lock (stale policy manual)")
		assert.Contains(t, out, "archive: s3://retractions/payloads/")
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writePlanYAML(&buf, view))

		var decoded planView
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, view.Stages, decoded.Stages)
		assert.Equal(t, "retractions", decoded.Archive.Bucket)
		assert.Equal(t, "crawling.lock", decoded.Lock.Path)
	})
}
