package templates

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// requestSections are the protocol blocks a usable template must carry at
// least one of.
var requestSections = []string{"http", "requests", "dns", "network", "tcp", "ssl", "file", "headless"}

// Meta is the parsed header of a scanner template
type Meta struct {
	ID       string
	Name     string
	Severity string
	// Protocols lists which request sections the template defines.
	Protocols []string
	// ClassifiedCVE is the cve-id from info.classification, if present.
	ClassifiedCVE string
}

// CVEID returns the CVE this template covers: the classification entry
// when present, otherwise the template id itself if it is CVE-shaped.
func (m *Meta) CVEID() string {
	if m.ClassifiedCVE != "" {
		return strings.ToUpper(m.ClassifiedCVE)
	}
	if id := strings.ToUpper(m.ID); validCVEID(id) {
		return id
	}
	return ""
}

type rawTemplate struct {
	ID   string `yaml:"id"`
	Info struct {
		Name           string `yaml:"name"`
		Severity       string `yaml:"severity"`
		Classification struct {
			CVEID string `yaml:"cve-id"`
		} `yaml:"classification"`
	} `yaml:"info"`
}

// Parse validates a template body: well-formed YAML with an id, a name, a
// severity, and at least one request section.
func Parse(body []byte) (*Meta, error) {
	if len(body) == 0 {
		return nil, errs.New(errs.KindInvalidOutput, "empty template body")
	}

	var raw rawTemplate
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, errs.Wrap(errs.KindInvalidOutput, err, "template is not valid YAML")
	}
	if raw.ID == "" {
		return nil, errs.New(errs.KindInvalidOutput, "template missing id")
	}
	if raw.Info.Name == "" {
		return nil, errs.New(errs.KindInvalidOutput, "template %s missing info.name", raw.ID)
	}
	if raw.Info.Severity == "" {
		return nil, errs.New(errs.KindInvalidOutput, "template %s missing info.severity", raw.ID)
	}

	// A second pass over the top-level keys finds the request sections;
	// their contents differ per protocol and are the scanner's business.
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(body, &top); err != nil {
		return nil, errs.Wrap(errs.KindInvalidOutput, err, "template is not valid YAML")
	}
	var protocols []string
	for _, section := range requestSections {
		if _, ok := top[section]; ok {
			protocols = append(protocols, section)
		}
	}
	if len(protocols) == 0 {
		return nil, errs.New(errs.KindInvalidOutput, "template %s has no request section", raw.ID)
	}

	return &Meta{
		ID:            raw.ID,
		Name:          raw.Info.Name,
		Severity:      strings.ToLower(raw.Info.Severity),
		Protocols:     protocols,
		ClassifiedCVE: raw.Info.Classification.CVEID,
	}, nil
}
