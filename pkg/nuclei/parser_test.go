package nuclei

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
)

func feedAll(p *Parser, lines []string) []Event {
	var out []Event
	for _, l := range lines {
		out = append(out, p.Feed(l)...)
	}
	return out
}

func TestParser_FindingLine(t *testing.T) {
	p := NewParser("job-1", "example.com")

	events := p.Feed("[CVE-2021-44228] [http] [critical] https://example.com/api matched-payload")
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, EventFinding, ev.Type)
	assert.Equal(t, "CVE-2021-44228", ev.Finding.TemplateID)
	assert.Equal(t, "http", ev.Finding.Protocol)
	assert.Equal(t, models.SeverityCritical, ev.Finding.Severity)
	assert.Equal(t, "https://example.com/api", ev.Finding.MatchedAt)
	assert.Equal(t, "example.com", ev.Finding.Target)
	assert.False(t, ev.Finding.UnknownSeverity)
	assert.Equal(t, []string{"matched-payload"}, ev.Finding.Details)
}

func TestParser_JSONFindingLine(t *testing.T) {
	p := NewParser("job-1", "example.com")

	line := `{"template-id":"tech-detect","type":"http","host":"example.com","matched-at":"https://example.com/","info":{"severity":"info"}}`
	events := p.Feed(line)
	require.Len(t, events, 1)
	require.Equal(t, EventFinding, events[0].Type)
	assert.Equal(t, "tech-detect", events[0].Finding.TemplateID)
	assert.Equal(t, models.SeverityInformational, events[0].Finding.Severity)
}

func TestParser_SeverityNormalization(t *testing.T) {
	cases := []struct {
		raw     string
		want    models.Severity
		unknown bool
	}{
		{"info", models.SeverityInformational, false},
		{"low", models.SeverityLow, false},
		{"medium", models.SeverityMedium, false},
		{"high", models.SeverityHigh, false},
		{"critical", models.SeverityCritical, false},
		{"bogus", models.SeverityInformational, true},
	}

	for _, tc := range cases {
		sev, unknown := models.NormalizeSeverity(tc.raw)
		assert.Equal(t, tc.want, sev, "severity for %q", tc.raw)
		assert.Equal(t, tc.unknown, unknown, "unknown flag for %q", tc.raw)
	}
}

func TestParser_ProgressTable(t *testing.T) {
	p := NewParser("job-1", "example.com")

	cases := []struct {
		line    string
		percent int
	}{
		{"[INF] Current nuclei version: v3.1.0", 5},
		{"[INF] Templates loaded for current scan: 7012", 30},
		{"[INF] Creating runners", 70},
		{"[INF] New Scan Started: target=example.com", 90},
		{"[INF] Found 3 results", 95},
		{"scan completed in 42s", 100},
	}

	for _, tc := range cases {
		events := p.Feed(tc.line)
		require.Len(t, events, 1, "line %q", tc.line)
		require.Equal(t, EventProgress, events[0].Type, "line %q", tc.line)
		assert.Equal(t, tc.percent, events[0].Percent, "line %q", tc.line)
	}
}

func TestParser_PercentMonotone(t *testing.T) {
	p := NewParser("job-1", "example.com")

	p.Feed("[INF] New Scan Started: target=example.com")
	require.Equal(t, 90, p.Percent())

	// A late init line must not move progress backwards.
	events := p.Feed("[INF] Current nuclei version: v3.1.0")
	require.Len(t, events, 1)
	assert.Equal(t, 90, events[0].Percent)
	assert.Equal(t, 90, p.Percent())
}

func TestParser_DuplicateFindingSuppressed(t *testing.T) {
	p := NewParser("job-1", "example.com")
	line := "[exposed-panel] [http] [medium] https://example.com/admin"

	first := p.Feed(line)
	require.Equal(t, EventFinding, first[0].Type)

	second := p.Feed(line)
	require.Len(t, second, 1)
	assert.Equal(t, EventRaw, second[0].Type)
}

func TestParser_LoopDetection(t *testing.T) {
	// 40 lines with only 8 distinct values: loop detected.
	p := NewParser("job-1", "example.com")
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, fmt.Sprintf("repeating output %d", i%8))
	}
	events := feedAll(p, lines)
	var loop bool
	for _, ev := range events {
		if ev.Type == EventLoopDetected {
			loop = true
		}
	}
	assert.True(t, loop, "expected loop detection with 8 distinct lines over 40")

	// 40 lines with 30 distinct values: healthy stream.
	p2 := NewParser("job-2", "example.com")
	lines = nil
	for i := 0; i < 40; i++ {
		lines = append(lines, fmt.Sprintf("healthy output %d", i%30))
	}
	for _, ev := range feedAll(p2, lines) {
		assert.NotEqual(t, EventLoopDetected, ev.Type)
	}
}

func TestParser_QuietAfterLoop(t *testing.T) {
	p := NewParser("job-1", "example.com")
	for i := 0; i < 60; i++ {
		p.Feed("same line over and over")
	}
	assert.Empty(t, p.Feed("anything"), "parser should emit nothing after loop detection")
}

func TestParser_RawLine(t *testing.T) {
	p := NewParser("job-1", "example.com")
	events := p.Feed("some unstructured stderr noise")
	require.Len(t, events, 1)
	assert.Equal(t, EventRaw, events[0].Type)
}
