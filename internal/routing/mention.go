// Package routing implements the pure decision logic of the multi-agent
// routing state machine — mention parsing and target/loop-guard resolution
// (spec §4.5 steps 5-6). The stateful orchestration (persistence, fanout,
// tool-batch aggregation, event emission) lives in internal/processors,
// which calls into this package for the parts that are pure functions of
// the message and thread metadata.
package routing

import "regexp"

// mentionPattern matches "@name" tokens not preceded by a word character,
// per spec §4.5 step 5.3: (?<!\w)@(\w[\w.-]*\w|\w). Go's RE2 engine has no
// lookbehind, so the exclusion is reproduced by capturing an optional
// non-word boundary byte and discarding it from the match.
var mentionPattern = regexp.MustCompile(`(^|[^\w])@(\w[\w.-]*\w|\w)`)

// ParseMentions extracts @mentions from content in first-occurrence order,
// deduplicated.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	var mentions []string
	for _, m := range matches {
		name := m[2]
		if seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}
