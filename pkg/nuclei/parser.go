// Package nuclei translates the scanner's output stream into typed events.
// The parser is pure: it performs no I/O and can be restarted from any byte
// offset given the runner's high-water mark.
package nuclei

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
)

// EventType discriminates parser events
type EventType string

const (
	EventFinding      EventType = "finding"
	EventProgress     EventType = "progress"
	EventRaw          EventType = "raw"
	EventLoopDetected EventType = "loop_detected"
)

// Event is a single typed parser output
type Event struct {
	Type    EventType
	Finding *models.Finding
	Percent int
	Line    string
}

// Finding lines look like:
//
//	[template-id] [protocol] [severity] target optional details...
var findingRe = regexp.MustCompile(`^\[([^\]\s]+)\] \[([a-z0-9-]+)\] \[([a-z]+)\] (\S+)(?: (.+))?$`)

// progressMarkers maps well-known informational lines to completion
// percentages. The scanner gives no native progress; these log markers are
// the only signal of how far a run has gotten.
var progressMarkers = []struct {
	substr  string
	percent int
}{
	{"[INF] Current", 5},
	{"[INF] Templates loaded", 30},
	{"[INF] Creating runners", 70},
	{"[INF] New Scan Started", 90},
	{"[INF] Found", 95},
	{"scan completed", 100},
	{"No results found", 100},
}

const (
	loopWindow    = 20
	loopMinLines  = 2 * loopWindow
	loopThreshold = 0.5
)

// Parser consumes scanner output line by line and emits typed events. It
// deduplicates findings by derived id and detects repeating-output loops
// over a sliding window.
type Parser struct {
	jobID  string
	target string

	seen        map[string]struct{}
	window      []string
	linesTotal  int
	lastPercent int
	looped      bool
}

// NewParser creates a parser for a single scan job's stream
func NewParser(jobID, target string) *Parser {
	return &Parser{
		jobID:  jobID,
		target: target,
		seen:   make(map[string]struct{}),
	}
}

// jsonEvent is the shape of scanner output lines under -j
type jsonEvent struct {
	TemplateID string `json:"template-id"`
	Type       string `json:"type"`
	Host       string `json:"host"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Severity string `json:"severity"`
	} `json:"info"`
	ExtractedResults []string `json:"extracted-results"`
}

// Feed processes one line and returns zero or more events. After a
// LoopDetected event the parser goes quiet; the consumer treats loop
// detection as fatal for the job.
func (p *Parser) Feed(line string) []Event {
	if p.looped {
		return nil
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}

	p.linesTotal++
	p.pushWindow(line)

	var events []Event
	if ev := p.parseLine(line); ev != nil {
		events = append(events, *ev)
	} else {
		events = append(events, Event{Type: EventRaw, Line: line})
	}

	if p.loopDetected() {
		p.looped = true
		events = append(events, Event{Type: EventLoopDetected, Line: line})
	}
	return events
}

// Percent returns the highest progress value observed so far
func (p *Parser) Percent() int {
	return p.lastPercent
}

func (p *Parser) parseLine(line string) *Event {
	// JSON output mode is preferred when the scanner runs with -j.
	if strings.HasPrefix(line, "{") {
		if ev := p.parseJSONLine(line); ev != nil {
			return ev
		}
	}

	for _, m := range progressMarkers {
		if strings.Contains(line, m.substr) {
			return &Event{Type: EventProgress, Percent: p.advance(m.percent), Line: line}
		}
	}

	if g := findingRe.FindStringSubmatch(line); g != nil {
		// Informational engine lines ([INF], [WRN], [ERR], [DBG]) share
		// the bracket shape but never carry three bracket groups, so a
		// full match here is a real finding.
		return p.findingEvent(line, g[1], g[2], g[3], g[4], g[5])
	}
	return nil
}

func (p *Parser) parseJSONLine(line string) *Event {
	var je jsonEvent
	if err := json.Unmarshal([]byte(line), &je); err != nil || je.TemplateID == "" {
		return nil
	}
	matched := je.MatchedAt
	if matched == "" {
		matched = je.Host
	}
	return p.findingEvent(line, je.TemplateID, je.Type, je.Info.Severity, matched, strings.Join(je.ExtractedResults, " "))
}

func (p *Parser) findingEvent(line, templateID, protocol, rawSeverity, matchedAt, details string) *Event {
	severity, unknown := models.NormalizeSeverity(rawSeverity)
	id := models.FindingID(templateID, protocol, severity, p.target, matchedAt)
	if _, dup := p.seen[id]; dup {
		return &Event{Type: EventRaw, Line: line}
	}
	p.seen[id] = struct{}{}

	f := &models.Finding{
		FindingID:       id,
		JobID:           p.jobID,
		TemplateID:      templateID,
		Protocol:        protocol,
		Severity:        severity,
		UnknownSeverity: unknown,
		Target:          p.target,
		MatchedAt:       matchedAt,
	}
	if details != "" {
		f.Details = strings.Fields(details)
	}
	return &Event{Type: EventFinding, Finding: f, Percent: p.advance(95)}
}

// advance keeps the reported percentage monotonically non-decreasing
func (p *Parser) advance(percent int) int {
	if percent > p.lastPercent {
		p.lastPercent = percent
	}
	return p.lastPercent
}

func (p *Parser) pushWindow(line string) {
	p.window = append(p.window, line)
	if len(p.window) > loopWindow {
		p.window = p.window[1:]
	}
}

func (p *Parser) loopDetected() bool {
	if p.linesTotal < loopMinLines || len(p.window) < loopWindow {
		return false
	}
	unique := make(map[string]struct{}, len(p.window))
	for _, l := range p.window {
		unique[l] = struct{}{}
	}
	return float64(len(unique))/float64(len(p.window)) < loopThreshold
}
