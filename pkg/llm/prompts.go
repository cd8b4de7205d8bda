package llm

import (
	"fmt"
	"strings"
)

const generatePromptTemplate = `You are a security engineer writing nuclei detection templates.

Write a nuclei template in YAML that detects the following vulnerability:

CVE ID: %s
Description: %s

Requirements:
- The template id must be exactly %s.
- Include info.name, info.severity and info.classification.cve-id.
- Detection must be non-intrusive: fingerprint the vulnerable version or
  behavior, never exploit it.
- Prefer specific matchers (version strings, response bodies, headers)
  over status codes alone.

Return only the YAML template, inside a single yaml code block.`

const refinePromptTemplate = `You are a security engineer fixing a nuclei detection template that
failed validation.

CVE ID: %s
Description: %s

The previous template was:

%s

Validation failed with:

%s

Rewrite the template so it validates. Keep the template id exactly %s.
Return only the corrected YAML template, inside a single yaml code block.`

const adhocPromptTemplate = `You are a security engineer writing nuclei detection templates.

Write a nuclei template in YAML for the following detection request:

%s

Requirements:
- Give the template a short lowercase id derived from the request.
- Include info.name and info.severity.
- Detection must be non-intrusive.

Return only the YAML template, inside a single yaml code block.`

// GeneratePrompt builds the first-attempt prompt for a CVE
func GeneratePrompt(cveID, description string) string {
	return fmt.Sprintf(generatePromptTemplate, cveID, sanitize(description), cveID)
}

// RefinePrompt builds the refinement prompt carrying the failed template
// and the validator's diagnosis.
func RefinePrompt(cveID, description, previous, failure string) string {
	return fmt.Sprintf(refinePromptTemplate, cveID, sanitize(description), previous, sanitize(failure), cveID)
}

// AdhocPrompt builds the prompt for a user-described one-off detection
func AdhocPrompt(request string) string {
	return fmt.Sprintf(adhocPromptTemplate, sanitize(request))
}

// sanitize flattens control characters out of feed- or user-supplied text
// before it is embedded in a prompt.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 && r != '\n' {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
