package templates

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

const sampleTemplate = `id: CVE-2024-12345
info:
  name: Example RCE Detection
  severity: critical
http:
  - method: GET
    path:
      - "{{BaseURL}}/actuator/health"
    matchers:
      - type: status
        status:
          - 200
`

const refinedTemplate = `id: CVE-2024-12345
info:
  name: Example RCE Detection (tightened matcher)
  severity: critical
http:
  - method: GET
    path:
      - "{{BaseURL}}/actuator/health"
    matchers:
      - type: word
        words:
          - '"status":"UP"'
`

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	lib, err := NewLibrary(t.TempDir(), logger)
	require.NoError(t, err)
	return lib
}

func TestParseValidTemplate(t *testing.T) {
	meta, err := Parse([]byte(sampleTemplate))
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-12345", meta.ID)
	assert.Equal(t, "Example RCE Detection", meta.Name)
	assert.Equal(t, "critical", meta.Severity)
	assert.Equal(t, []string{"http"}, meta.Protocols)
	assert.Equal(t, "CVE-2024-12345", meta.CVEID())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not yaml", "{{{{"},
		{"missing id", "info:\n  name: x\n  severity: low\nhttp:\n  - method: GET\n"},
		{"missing name", "id: t1\ninfo:\n  severity: low\nhttp:\n  - method: GET\n"},
		{"missing severity", "id: t1\ninfo:\n  name: x\nhttp:\n  - method: GET\n"},
		{"no request section", "id: t1\ninfo:\n  name: x\n  severity: low\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindInvalidOutput))
		})
	}
}

func TestTemplateIDStable(t *testing.T) {
	a := TemplateID([]byte(sampleTemplate))
	b := TemplateID([]byte(sampleTemplate))
	c := TemplateID([]byte(refinedTemplate))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStoreGeneratedAndRefined(t *testing.T) {
	lib := newTestLibrary(t)

	gen, err := lib.StoreGenerated("cve-2024-12345", []byte(sampleTemplate))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("ai", "CVE-2024-12345.yaml"), gen.Filename)
	assert.Equal(t, models.OriginAIGenerated, gen.Origin)
	assert.Equal(t, 1, gen.GenerationAttempt)

	ref, err := lib.StoreRefined("CVE-2024-12345", []byte(refinedTemplate), 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("ai", "CVE-2024-12345.r2.yaml"), ref.Filename)
	assert.Equal(t, models.OriginAIRefined, ref.Origin)

	// Both attempts stay on disk; the newest wins the CVE index.
	_, err = os.Stat(filepath.Join(lib.Root(), gen.Filename))
	require.NoError(t, err)
	got, ok := lib.ForCVE("CVE-2024-12345")
	require.True(t, ok)
	assert.Equal(t, 2, got.GenerationAttempt)
}

func TestStoreGeneratedRejectsBadInput(t *testing.T) {
	lib := newTestLibrary(t)

	_, err := lib.StoreGenerated("not-a-cve", []byte(sampleTemplate))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	_, err = lib.StoreGenerated("CVE-2024-12345", []byte("not: a template"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidOutput))

	_, err = lib.StoreRefined("CVE-2024-12345", []byte(refinedTemplate), 1)
	require.Error(t, err)
}

func TestStoreUploadIdempotent(t *testing.T) {
	lib := newTestLibrary(t)

	first, err := lib.StoreUpload([]byte(sampleTemplate))
	require.NoError(t, err)
	assert.Equal(t, models.OriginUserUploaded, first.Origin)

	second, err := lib.StoreUpload([]byte(sampleTemplate))
	require.NoError(t, err)
	assert.Equal(t, first.TemplateID, second.TemplateID)
	assert.Equal(t, first.Filename, second.Filename)
	assert.Equal(t, 1, lib.Count())
}

func TestReindexRecoversState(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := t.TempDir()

	lib, err := NewLibrary(dir, logger)
	require.NoError(t, err)
	stored, err := lib.StoreGenerated("CVE-2024-12345", []byte(sampleTemplate))
	require.NoError(t, err)

	// A fresh library over the same directory sees the same templates.
	reopened, err := NewLibrary(dir, logger)
	require.NoError(t, err)
	got, err := reopened.Get(stored.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, stored.Filename, got.Filename)
	assert.Equal(t, "CVE-2024-12345", got.CVEID)
}

func TestReindexSkipsGarbage(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("::::"), 0o644))

	lib, err := NewLibrary(dir, logger)
	require.NoError(t, err)
	assert.Equal(t, 0, lib.Count())
}

func TestResolveSelectors(t *testing.T) {
	lib := newTestLibrary(t)
	up, err := lib.StoreUpload([]byte(sampleTemplate))
	require.NoError(t, err)

	paths, err := lib.Resolve(models.SelectAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, paths)

	paths, err = lib.Resolve(models.SelectDirs("ai"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ai"}, paths)

	_, err = lib.Resolve(models.SelectDirs("no-such-dir"))
	assert.True(t, errs.Is(err, errs.KindNotFound))

	paths, err = lib.Resolve(models.SelectFile(up.Filename))
	require.NoError(t, err)
	assert.Equal(t, []string{up.Filename}, paths)

	_, err = lib.Resolve(models.SelectFile("../../etc/passwd"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestRefinementAttemptParsing(t *testing.T) {
	assert.Equal(t, 1, refinementAttempt("ai/CVE-2024-1.yaml"))
	assert.Equal(t, 2, refinementAttempt("ai/CVE-2024-1.r2.yaml"))
	assert.Equal(t, 3, refinementAttempt("ai/CVE-2024-1.r3.yaml"))
	assert.Equal(t, 1, refinementAttempt("http/some.rule.yaml"))
}
