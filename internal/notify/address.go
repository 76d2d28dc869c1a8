package notify

import (
	"regexp"
	"strings"
)

// addressPattern accepts plain addresses and the obfuscated
// "name at example dot com" form.
var addressPattern = regexp.MustCompile("(?i)[a-z0-9!#$%&'*+/=?^_`{|}~-]+(?:\\.[a-z0-9!#$%&'*+/=?^_`{|}~-]+)*" +
	"(?:@|\\sat\\s)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\\.|\\sdot\\s))+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?")

var (
	atWord  = regexp.MustCompile(`(?i)\sat\s`)
	dotWord = regexp.MustCompile(`(?i)\sdot\s`)
)

// ExtractAddresses finds every mail address in free text, in order of
// appearance and without duplicates. Obfuscated forms are normalized.
func ExtractAddresses(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range addressPattern.FindAllString(text, -1) {
		addr := atWord.ReplaceAllString(match, "@")
		addr = dotWord.ReplaceAllString(addr, ".")
		addr = strings.ToLower(addr)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}
