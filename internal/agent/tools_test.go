package agent

import (
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"work", "billing"}, splitList("work, billing"))
	assert.Equal(t, []string{"one"}, splitList("one,,"))
	assert.Nil(t, splitList(""))
}

func TestBatchCallDecoding(t *testing.T) {
	// The run tool receives calls as decoded JSON: []any of map[string]any.
	raw := []any{
		map[string]any{"tool": "search", "args": map[string]any{"query": "api"}},
		map[string]any{"tool": "freshness"},
	}
	var calls []batchCall
	require.NoError(t, mapstructure.Decode(raw, &calls))
	require.Len(t, calls, 2)
	assert.Equal(t, "search", calls[0].Tool)
	assert.Equal(t, "api", calls[0].Args["query"])
	assert.Equal(t, "freshness", calls[1].Tool)
	assert.Empty(t, calls[1].Args)
}

func TestReadonlyBatchExcludesMutations(t *testing.T) {
	for _, tool := range []string{"list_repos", "search", "repo_status", "freshness", "related", "deps", "doctor", "get_config"} {
		assert.True(t, readonlyBatch[tool], tool)
	}
	// Anything that can touch the filesystem or the index stays out,
	// scan included.
	for _, tool := range []string{"scan", "organize", "apply_plan", "tag", "exec", "run"} {
		assert.False(t, readonlyBatch[tool], tool)
	}
}
