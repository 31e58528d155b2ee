package parsing_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/core"
)

func TestNormalizePagesCounts(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 1, Text: "héllo wörld again", Markdown: "# héllo wörld again"},
	})
	require.Len(t, pages, 1)
	assert.Equal(t, 3, pages[0].WordCount)
	assert.Equal(t, 17, pages[0].CharacterCount) // runes, not bytes
}

func TestNormalizePagesSortsByNumber(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 3, Text: "three"},
		{Page: 1, Text: "one"},
		{Page: 2, Text: "two"},
	})
	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{pages[0].PageNumber, pages[1].PageNumber, pages[2].PageNumber})
	assert.Equal(t, "one", pages[0].Text)
}

func TestNormalizePagesDefaultNumbering(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Text: "a"},
		{Text: "b"},
		{Text: "c"},
	})
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
	}
}

func TestNormalizePagesTextFallbackChain(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 1, CleanText: "cleaned"},
		{Page: 2, Markdown: "# md only"},
	})
	require.Len(t, pages, 2)
	assert.Equal(t, "cleaned", pages[0].Text)
	assert.Equal(t, "# md only", pages[1].Text)
}

func TestNormalizePagesUnwrapsNestedJSON(t *testing.T) {
	// A page whose markdown field is a stringified re-encoding of the page
	// schema must yield the inner content, not the JSON blob as body text.
	nested := `{"pages":[{"page":4,"text":"real body","md":"# real body","summary":"a short digest"}]}`
	pages := NormalizePages([]core.RawPage{
		{Markdown: nested},
	})
	require.Len(t, pages, 1)
	assert.Equal(t, 4, pages[0].PageNumber)
	assert.Equal(t, "real body", pages[0].Text)
	assert.Equal(t, "# real body", pages[0].Markdown)
	assert.Equal(t, "a short digest", pages[0].Summary)
	assert.Equal(t, 2, pages[0].WordCount)
}

func TestNormalizePagesUnwrapsSingleNestedObject(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 7, Markdown: `{"text":"inner text","md":"inner md"}`},
	})
	require.Len(t, pages, 1)
	assert.Equal(t, 7, pages[0].PageNumber) // outer number wins when present
	assert.Equal(t, "inner text", pages[0].Text)
	assert.Equal(t, "inner md", pages[0].Markdown)
}

func TestNormalizePagesLeavesPlainMarkdownAlone(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 1, Text: "body", Markdown: "{not json at all"},
	})
	require.Len(t, pages, 1)
	assert.Equal(t, "body", pages[0].Text)
	assert.Equal(t, "{not json at all", pages[0].Markdown)
}

func TestJoinPageText(t *testing.T) {
	pages := NormalizePages([]core.RawPage{
		{Page: 1, Text: "first"},
		{Page: 2},
		{Page: 3, Text: "third"},
	})
	assert.Equal(t, "first\n\nthird", JoinPageText(pages))
}
