package answer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
)

const systemBlock = `You answer questions about the user's PDF documents.
Answer only from the sources below and from well-established facts. Never invent quotes, numbers or citations.
When a statement comes from a source, cite it by copying that source's tag, for example [[chunk:<id>]].
If the sources do not contain the answer, say so plainly.`

const weakSourcesNote = `None of the sources is a strong match for this question. Say that the documents do not clearly cover it, then answer from well-established knowledge if you can.`

// MemoryLines formats prior turns, dropping empty turns and a user turn that
// repeats the current question.
func MemoryLines(history []*types.ChatMessage, question string) []string {
	q := strings.TrimSpace(question)
	out := make([]string, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == types.RoleUser {
			if content == q {
				continue
			}
			out = append(out, "User: "+content)
			continue
		}
		out = append(out, "Assistant: "+content)
	}
	return out
}

// BuildContext assembles the prompt context: instructions, recent turns and
// numbered sources, separated by blank lines.
func BuildContext(memory []string, matches []retrieval.Match) string {
	parts := []string{systemBlock}
	anyAbove := false
	for _, m := range matches {
		anyAbove = anyAbove || m.AboveThreshold
	}
	if !anyAbove {
		parts = append(parts, weakSourcesNote)
	}
	if len(memory) > 0 {
		parts = append(parts, "Conversation (recent turns):\n"+strings.Join(memory, "\n"))
	}
	if len(matches) == 0 {
		parts = append(parts, "Sources:\n(none)")
	} else {
		lines := make([]string, 0, len(matches))
		for i, m := range matches {
			lines = append(lines, fmt.Sprintf("[%d] (%s) %s %s", i+1, ContextLabel(m, i+1), CitationTag(m.ID), strings.TrimSpace(m.Content)))
		}
		parts = append(parts, "Sources:\n"+strings.Join(lines, "\n\n"))
	}
	return strings.Join(parts, "\n\n")
}

// ContextLabel is "title p.N" when a page is known, else the title, else "#n".
func ContextLabel(m retrieval.Match, n int) string {
	title := strings.TrimSpace(m.DocumentTitle)
	pages := PageLabel(m.Metadata)
	switch {
	case title != "" && pages != "":
		return title + " p." + pages
	case title != "":
		return title
	case pages != "":
		return "p." + pages
	default:
		return "#" + strconv.Itoa(n)
	}
}

// RefLabel is shown under an answer, where a bare title would be ambiguous
// between several chunks of the same document.
func RefLabel(m retrieval.Match, n int) string {
	title := strings.TrimSpace(m.DocumentTitle)
	pages := PageLabel(m.Metadata)
	switch {
	case pages != "" && title != "":
		return title + " p." + pages
	case pages != "":
		return "p." + pages
	case title != "":
		return title + " #" + strconv.Itoa(n)
	default:
		return "#" + strconv.Itoa(n)
	}
}

// PageLabel reads page, pages or page_number from chunk metadata. A list
// becomes its sorted distinct integers joined by ", ".
func PageLabel(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	for _, key := range []string{"page", "pages", "page_number"} {
		if label := pageValue(meta[key]); label != "" {
			return label
		}
	}
	return ""
}

func pageValue(v any) string {
	switch t := v.(type) {
	case float64:
		if n, ok := wholeNumber(t); ok && n > 0 {
			return strconv.Itoa(n)
		}
	case []any:
		seen := map[int]bool{}
		var nums []int
		for _, item := range t {
			f, ok := item.(float64)
			if !ok {
				continue
			}
			n, ok := wholeNumber(f)
			if !ok || seen[n] {
				continue
			}
			seen[n] = true
			nums = append(nums, n)
		}
		sort.Ints(nums)
		strs := make([]string, len(nums))
		for i, n := range nums {
			strs[i] = strconv.Itoa(n)
		}
		return strings.Join(strs, ", ")
	}
	return ""
}

func wholeNumber(f float64) (int, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}
