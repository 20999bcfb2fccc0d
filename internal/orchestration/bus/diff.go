package bus

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FreshOutput isolates text present in the after capture but not in the
// before capture. Used by fallback polling to separate an instance's new
// output from the scrollback that existed when the message was sent.
func FreshOutput(before, after string) string {
	if before == "" {
		return strings.TrimSpace(after)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)

	var b strings.Builder
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffInsert {
			b.WriteString(d.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
