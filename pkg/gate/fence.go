package gate

import (
	"regexp"
	"strings"
)

var (
	fencedBlock   = regexp.MustCompile("(?s)`{3,}[ \\t]*[A-Za-z0-9_+-]*[ \\t]*\\r?\\n(.*?)`{3,}")
	leadingFence  = regexp.MustCompile("(?i)^`{3,}[ \\t]*(?:(?:sql|postgresql|postgres|pgsql|psql)(?:\\s|$))?")
	trailingFence = regexp.MustCompile("`{3,}$")
)

// StripFences removes Markdown code-fence decoration from a model response.
// When the response contains a complete fenced block its body is returned;
// otherwise stray leading/trailing markers and a language tag are trimmed.
// StripFences(StripFences(s)) == StripFences(s).
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	for {
		next := strings.TrimSpace(trailingFence.ReplaceAllString(leadingFence.ReplaceAllString(s, ""), ""))
		if next == s {
			return s
		}
		s = next
	}
}
