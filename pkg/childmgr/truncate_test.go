package childmgr

import (
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestTruncateOutput(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 100)
	tests := []struct {
		name          string
		text          string
		trim          *TrimSpec
		want          string
		wantTruncated bool
	}{
		{
			name: "nil spec passes through",
			text: long,
			trim: nil,
			want: long,
		},
		{
			name: "empty spec passes through regardless of size",
			text: long,
			trim: &TrimSpec{},
			want: long,
		},
		{
			name:          "head and tail keep both ends",
			text:          long,
			trim:          &TrimSpec{HeadChars: intPtr(10), TailChars: intPtr(5)},
			want:          strings.Repeat("a", 10) + "\n...(85 characters omitted)...\n" + strings.Repeat("a", 5),
			wantTruncated: true,
		},
		{
			name: "short text untouched",
			text: "short text",
			trim: &TrimSpec{HeadChars: intPtr(10), TailChars: intPtr(5)},
			want: "short text",
		},
		{
			name: "exact boundary untouched",
			text: strings.Repeat("b", 15),
			trim: &TrimSpec{HeadChars: intPtr(10), TailChars: intPtr(5)},
			want: strings.Repeat("b", 15),
		},
		{
			name:          "head only drops the rest",
			text:          "0123456789remainder",
			trim:          &TrimSpec{HeadChars: intPtr(10)},
			want:          "0123456789\n...(9 characters omitted)...\n",
			wantTruncated: true,
		},
		{
			name:          "tail only drops the front",
			text:          "remainder0123456789",
			trim:          &TrimSpec{TailChars: intPtr(10)},
			want:          "\n...(9 characters omitted)...\n0123456789",
			wantTruncated: true,
		},
		{
			name:          "multibyte text counted in characters",
			text:          strings.Repeat("あ", 100),
			trim:          &TrimSpec{HeadChars: intPtr(10), TailChars: intPtr(5)},
			want:          strings.Repeat("あ", 10) + "\n...(85 characters omitted)...\n" + strings.Repeat("あ", 5),
			wantTruncated: true,
		},
		{
			name: "multibyte text within bounds untouched",
			text: "ααααα",
			trim: &TrimSpec{HeadChars: intPtr(3), TailChars: intPtr(2)},
			want: "ααααα",
		},
		{
			name:          "zero head and tail elide everything",
			text:          "abcd",
			trim:          &TrimSpec{HeadChars: intPtr(0), TailChars: intPtr(0)},
			want:          "\n...(4 characters omitted)...\n",
			wantTruncated: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, truncated := truncateOutput(tc.text, tc.trim)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantTruncated, truncated)
		})
	}
}

func TestTrimSpecValidate(t *testing.T) {
	t.Parallel()

	var nilSpec *TrimSpec
	require.NoError(t, nilSpec.validate())
	require.NoError(t, (&TrimSpec{HeadChars: intPtr(0), TailChars: intPtr(10)}).validate())

	err := (&TrimSpec{HeadChars: intPtr(-1)}).validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "head_chars")

	err = (&TrimSpec{TailChars: intPtr(-5)}).validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tail_chars")
}

func TestFlattenContent(t *testing.T) {
	t.Parallel()

	got := flattenContent([]mcp.Content{
		&mcp.TextContent{Text: "first block"},
		&mcp.ImageContent{Data: []byte{0x1}, MIMEType: "image/png"},
		&mcp.TextContent{Text: "second block"},
	})
	assert.Equal(t, "first block\n[Image Data: image/png]\nsecond block", got)

	assert.Equal(t, "", flattenContent(nil))
}
