package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecall_EmptyStoreYieldsEmptySection(t *testing.T) {
	recall, err := New(3, nil)
	require.NoError(t, err)

	assert.Equal(t, "", recall.MemorySection(context.Background(), "schedule a meeting"))
}

func TestRecall_RememberAndRecall(t *testing.T) {
	recall, err := New(2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, recall.Remember(ctx, "schedule a meeting tomorrow at 2pm", "booked"))
	require.NoError(t, recall.Remember(ctx, "generate startup ideas", "5 ideas produced"))
	assert.Equal(t, 2, recall.Count())

	section := recall.MemorySection(ctx, "schedule another meeting at 3pm")
	assert.Contains(t, section, "Relevant past requests:")
	assert.Contains(t, section, "schedule a meeting tomorrow at 2pm")
}

func TestRecall_SectionBoundedByMaxRecalls(t *testing.T) {
	recall, err := New(1, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, q := range []string{"query one", "query two", "query three"} {
		require.NoError(t, recall.Remember(ctx, q, ""))
	}

	section := recall.MemorySection(ctx, "query")
	// Header plus exactly one entry.
	lines := strings.Split(strings.TrimRight(section, "\n"), "\n")
	assert.Len(t, lines, 2)
}

func TestLocalEmbedding_DeterministicAndNormalized(t *testing.T) {
	a, err := localEmbedding(context.Background(), "book a meeting")
	require.NoError(t, err)
	b, err := localEmbedding(context.Background(), "book a meeting")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 0.001)
}
