package spawner

import (
	"regexp"
)

// readinessPattern matches the stdout line opencode serve prints once
// it is bound and accepting connections: "opencode server listening"
// followed by a URL.
var readinessPattern = regexp.MustCompile(`^opencode server listening.*?(https?://[^\s]+)`)

// parseReadinessLine reports whether line is the readiness banner and,
// if so, returns the URL it announced.
func parseReadinessLine(line string) (url string, ok bool) {
	m := readinessPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}
