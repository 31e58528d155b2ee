package parsing_engine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

// NormalizePages converts heterogeneous backend pages into the canonical page
// record: computed word/character counts, sorted by page number, with
// sequential 1-indexed numbering when the payload carries none.
func NormalizePages(raw []core.RawPage) []models.Page {
	pages := make([]models.Page, 0, len(raw))

	for i, rp := range raw {
		// Some backends stuff a re-encoded page object into the markdown
		// field. Unwrap it rather than embedding JSON as body text.
		if nested, ok := unwrapNestedPage(rp.Markdown); ok {
			if nested.Text != "" {
				rp.Text = nested.Text
			}
			rp.Markdown = nested.Markdown
			if nested.Summary != "" {
				rp.Summary = nested.Summary
			}
			if nested.Page > 0 && rp.Page <= 0 {
				rp.Page = nested.Page
			}
		}

		text := rp.Text
		if text == "" {
			text = rp.CleanText
		}
		if text == "" {
			text = rp.Markdown
		}

		num := rp.Page
		if num <= 0 {
			num = i + 1
		}

		pages = append(pages, models.Page{
			PageNumber:     num,
			Text:           text,
			Markdown:       rp.Markdown,
			Tables:         rp.Tables,
			Images:         rp.Images,
			WordCount:      len(strings.Fields(text)),
			CharacterCount: len([]rune(text)),
			OCRConfidence:  rp.Confidence,
			Summary:        rp.Summary,
		})
	}

	sort.SliceStable(pages, func(a, b int) bool {
		return pages[a].PageNumber < pages[b].PageNumber
	})
	return pages
}

// JoinPageText builds the document's original_text from its pages.
func JoinPageText(pages []models.Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

type nestedPage struct {
	Page     int    `json:"page"`
	Text     string `json:"text"`
	Markdown string `json:"md"`
	Summary  string `json:"summary"`
}

type nestedWrapper struct {
	Pages []nestedPage `json:"pages"`
}

// unwrapNestedPage detects markdown that is itself stringified JSON
// re-encoding the page schema and extracts the real content.
func unwrapNestedPage(md string) (nestedPage, bool) {
	trimmed := strings.TrimSpace(md)
	if !strings.HasPrefix(trimmed, "{") {
		return nestedPage{}, false
	}

	var wrapper nestedWrapper
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.Pages) > 0 {
		return wrapper.Pages[0], true
	}

	var single nestedPage
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil && (single.Text != "" || single.Markdown != "") {
		return single, true
	}

	return nestedPage{}, false
}
