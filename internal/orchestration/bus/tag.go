package bus

import (
	"fmt"
	"regexp"
)

// Messages expecting a reply are prefixed with a correlation tag; the
// assistant is instructed to include the same tag when it answers.
var tagRe = regexp.MustCompile(`\[MSG:([0-9a-fA-F-]{36})\]`)

// Tag renders the correlation tag for a message ID.
func Tag(messageID string) string {
	return fmt.Sprintf("[MSG:%s]", messageID)
}

// Compose prepends the correlation tag to the message content.
func Compose(messageID, content string) string {
	return Tag(messageID) + " " + content
}

// ExtractTags returns every message ID referenced by a correlation tag in
// the text, in order of appearance, without duplicates.
func ExtractTags(text string) []string {
	matches := tagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var ids []string
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	}
	return ids
}
