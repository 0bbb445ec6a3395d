package queue

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxLabelLen = 20

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// projectLabel reduces a project name to at most 20 of [A-Za-z0-9_-],
// folding accents first: "Café Noir" becomes "CafeNoir", not "CafNoir".
func projectLabel(project string) string {
	folded, _, err := transform.String(foldAccents, project)
	if err != nil {
		folded = project
	}
	var b strings.Builder
	for _, r := range folded {
		if b.Len() >= maxLabelLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}

// newBatchID builds "<YYYYMMDD_HHMMSS>_<command>_<label>_<suffix>". The
// random suffix keeps ids unique within one second.
func newBatchID(now time.Time, command, project string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102_150405") + "_" + command + "_" + projectLabel(project) + "_" + suffix
}
