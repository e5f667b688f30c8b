package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const defaultStorageName = "document.pdf"

var storageNameStrip = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeStorageName folds a user-supplied filename into an object-store safe
// ASCII name ending in .pdf.
func SanitizeStorageName(filename string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(filename) {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	name := strings.ReplaceAll(b.String(), " ", "-")
	name = storageNameStrip.ReplaceAllString(name, "")
	if name == "" || strings.EqualFold(name, ".pdf") {
		return defaultStorageName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

func StoragePath(owner uuid.UUID, filename string) string {
	return fmt.Sprintf("%s/%s-%s", owner, uuid.New(), SanitizeStorageName(filename))
}
