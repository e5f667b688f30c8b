package answer

import (
	"regexp"

	"github.com/google/uuid"
)

var citationTag = regexp.MustCompile(`\[\[chunk:([0-9a-fA-F-]{36})\]\]`)

func CitationTag(id uuid.UUID) string { return "[[chunk:" + id.String() + "]]" }

// ExtractCitations returns the distinct chunk ids cited in text, in order of
// first appearance, keeping only ids present in known.
func ExtractCitations[T any](text string, known map[uuid.UUID]T) []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, m := range citationTag.FindAllStringSubmatch(text, -1) {
		id, err := uuid.Parse(m[1])
		if err != nil || seen[id] {
			continue
		}
		if _, ok := known[id]; !ok {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
