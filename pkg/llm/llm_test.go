package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

func testClient(url string) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(Options{BaseURL: url, Model: "test-model", Timeout: 5 * time.Second, Seed: 42}, logger)
}

func TestCompleteSendsExpectedRequest(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Response: "id: test\n", Done: true})
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Complete(context.Background(), "write a template")
	require.NoError(t, err)
	assert.Equal(t, "id: test", out)
	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 42, got.Options.Seed)
	assert.InDelta(t, 0.2, got.Options.Temperature, 0.001)
}

func TestCompleteServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLLMUnavailable))
	assert.True(t, errs.IsRetriable(err))
}

func TestCompleteBadRequestIsNotRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidOutput))
	assert.False(t, errs.IsRetriable(err))
}

func TestCompleteUnreachableServer(t *testing.T) {
	_, err := testClient("http://127.0.0.1:1").Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLLMUnavailable))
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, testClient(srv.URL).IsAvailable(context.Background()))
	assert.False(t, testClient("http://127.0.0.1:1").IsAvailable(context.Background()))
}

func TestExtractYAML(t *testing.T) {
	yaml := "id: CVE-2024-1\ninfo:\n  name: x\n  severity: high"

	tests := []struct {
		name       string
		completion string
		want       string
		wantErr    bool
	}{
		{"yaml fence", "Here is the template:\n```yaml\n" + yaml + "\n```\nLet me know!", yaml, false},
		{"bare fence", "```\n" + yaml + "\n```", yaml, false},
		{"yml fence", "```yml\n" + yaml + "\n```", yaml, false},
		{"no fence raw yaml", yaml, yaml, false},
		{"skips non-yaml fence", "```json\n{\"a\":1}\n```\n```yaml\n" + yaml + "\n```", yaml, false},
		{"prose only", "I cannot write that template for you.", "", true},
		{"unterminated fence", "```yaml\n" + yaml, "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractYAML(tt.completion)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.KindInvalidOutput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestPromptsEmbedInputs(t *testing.T) {
	p := GeneratePrompt("CVE-2024-12345", "Remote code execution in\x00 Example App")
	assert.Contains(t, p, "CVE-2024-12345")
	assert.Contains(t, p, "Remote code execution")
	assert.NotContains(t, p, "\x00")

	rp := RefinePrompt("CVE-2024-12345", "RCE", "id: old", "no findings matched")
	assert.Contains(t, rp, "id: old")
	assert.Contains(t, rp, "no findings matched")

	ap := AdhocPrompt("detect exposed grafana dashboards")
	assert.Contains(t, ap, "grafana")
}
