package hm6

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSynthesis(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "block ends at next banner",
			output: transcript,
			want:   "All three paths converge on the same answer.\n\nIt is 42.",
		},
		{
			name:   "block runs to end",
			output: "Path 1 - Stage pB1\n=== HM6 SYNTHESIS ===\n  final words  \n",
			want:   "final words",
		},
		{
			name:   "markdown marker",
			output: "log line\n# HM6 SYNTHESIS:\n## Heading\nbody\n",
			want:   "## Heading\nbody",
		},
		{
			name:   "last marker wins",
			output: "=== HM6 SYNTHESIS ===\ndraft\n=== HM6 SYNTHESIS ===\nfinal\n",
			want:   "final",
		},
		{
			name:   "prefixed marker and banner",
			output: "[hm6] === HM6 SYNTHESIS ===\nprefixed answer\n[hm6] === SUMMARY ===\nTotal tokens: 5\n",
			want:   "prefixed answer",
		},
		{
			name:   "marker mid line",
			output: "12:00:01 # HM6 SYNTHESIS: short answer\n===\n",
			want:   "short answer",
		},
		{
			name:   "no marker keeps everything",
			output: "\n  line one\nline two\n\n",
			want:   "line one\nline two",
		},
		{
			name:   "empty",
			output: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSynthesis(tt.output))
		})
	}
}

func TestExtractMetadata(t *testing.T) {
	md := ExtractMetadata(transcript)
	require.NotNil(t, md.TotalTokens)
	assert.Equal(t, 2354, *md.TotalTokens)
	require.NotNil(t, md.ProcessingTime)
	assert.InDelta(t, 12500.0, *md.ProcessingTime, 0.001)
	assert.Equal(t, "pA3", md.Foundation)
}

func TestExtractMetadataFieldsIndependent(t *testing.T) {
	md := ExtractMetadata("Processing time: 2s\n")
	assert.Nil(t, md.TotalTokens)
	require.NotNil(t, md.ProcessingTime)
	assert.Equal(t, 2000.0, *md.ProcessingTime)
	assert.Empty(t, md.Foundation)
}

func TestExtractMetadataMalformedNumbers(t *testing.T) {
	md := ExtractMetadata("Total tokens: lots\nProcessing time: 1.2.3s\nUsing foundation: pA2\n")
	assert.Nil(t, md.TotalTokens)
	assert.Nil(t, md.ProcessingTime)
	assert.Equal(t, "pA2", md.Foundation)
}

func TestExtractMetadataLastOccurrenceWins(t *testing.T) {
	md := ExtractMetadata("Total tokens: 10\n...\nTotal tokens: 30\n")
	require.NotNil(t, md.TotalTokens)
	assert.Equal(t, 30, *md.TotalTokens)
}

func TestExtractMetadataEmpty(t *testing.T) {
	md := ExtractMetadata("")
	assert.Nil(t, md.TotalTokens)
	assert.Nil(t, md.ProcessingTime)
	assert.Empty(t, md.Foundation)
}
