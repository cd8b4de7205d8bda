package models

import (
	"time"
)

// SelectorKind discriminates the TemplateSelector variants
type SelectorKind string

const (
	SelectorAll  SelectorKind = "all"
	SelectorDirs SelectorKind = "dirs"
	SelectorFile SelectorKind = "file"
)

// TemplateSelector identifies which templates a scan should use: the whole
// library, a list of template directories, or a single named file from the
// upload area.
type TemplateSelector struct {
	Kind SelectorKind `json:"kind"`
	Dirs []string     `json:"dirs,omitempty"`
	File string       `json:"file,omitempty"`
}

// SelectAll selects the scanner's full template corpus
func SelectAll() TemplateSelector {
	return TemplateSelector{Kind: SelectorAll}
}

// SelectDirs selects one or more template directories, e.g. "http/", "cves/"
func SelectDirs(dirs ...string) TemplateSelector {
	return TemplateSelector{Kind: SelectorDirs, Dirs: dirs}
}

// SelectFile selects a single template file by name
func SelectFile(name string) TemplateSelector {
	return TemplateSelector{Kind: SelectorFile, File: name}
}

// ScanRequest is the payload of a scan-kind job
type ScanRequest struct {
	// Validated scan target (URL, IP, CIDR, or IP range).
	Target string `json:"target"`

	Selector TemplateSelector `json:"selector"`

	// Natural-language description for AI scans; the generated template
	// is stored to the upload area and referenced via Selector.File.
	Prompt string `json:"prompt,omitempty"`

	// Container name allocated at submission time.
	ContainerName string `json:"container_name"`

	ReceivedAt time.Time `json:"received_at"`
}

// TerminalEvent classifies how a scan ended
type TerminalEvent string

const (
	TerminalCompleted    TerminalEvent = "completed"
	TerminalNoResults    TerminalEvent = "no_results"
	TerminalLoopDetected TerminalEvent = "loop_detected"
	TerminalTimeout      TerminalEvent = "timeout"
	TerminalRuntimeError TerminalEvent = "runtime_error"
)

// ScanOutcome is the result payload of a completed scan-kind job
type ScanOutcome struct {
	ExitCode      int           `json:"exit_code"`
	FindingsCount int           `json:"findings_count"`
	TerminalEvent TerminalEvent `json:"terminal_event"`
}
