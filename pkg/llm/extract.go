package llm

import (
	"strings"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// ExtractYAML pulls the first YAML document out of a model completion.
// Models wrap output in markdown fences more often than not; the first
// fenced block wins, and a fenceless reply is taken whole if it looks like
// a template.
func ExtractYAML(completion string) ([]byte, error) {
	completion = strings.TrimSpace(completion)
	if completion == "" {
		return nil, errs.New(errs.KindInvalidOutput, "empty model completion")
	}

	if block, ok := firstFencedBlock(completion); ok {
		return []byte(block), nil
	}
	if strings.Contains(completion, "```") {
		return nil, errs.New(errs.KindInvalidOutput, "unterminated code fence in model completion")
	}

	// No fences at all; accept the raw reply only if it starts like a
	// YAML mapping rather than prose.
	firstLine := completion
	if i := strings.IndexByte(completion, '\n'); i >= 0 {
		firstLine = completion[:i]
	}
	if !strings.Contains(firstLine, ":") || strings.HasPrefix(firstLine, "#") {
		return nil, errs.New(errs.KindInvalidOutput, "no yaml block in model completion")
	}
	return []byte(completion), nil
}

func firstFencedBlock(s string) (string, bool) {
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			return "", false
		}
		rest := s[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		lang := strings.ToLower(strings.TrimSpace(rest[:nl]))
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}
		if lang == "" || lang == "yaml" || lang == "yml" {
			return strings.TrimSpace(body[:end]), true
		}
		// Skip fenced blocks in other languages.
		s = body[end+3:]
	}
}
