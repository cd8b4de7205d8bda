package cvefeed

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
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
)

func testFeedClient(url string, store kv.Store) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(Options{BaseURL: url, Timeout: 5 * time.Second, PerPage: 2}, store, logger)
}

func feedPage(total, startIndex int, cves ...feedCVE) feedResponse {
	vulns := make([]feedVulnerability, len(cves))
	for i, c := range cves {
		vulns[i] = feedVulnerability{CVE: c}
	}
	return feedResponse{
		ResultsPerPage:  len(cves),
		StartIndex:      startIndex,
		TotalResults:    total,
		Vulnerabilities: vulns,
	}
}

func sampleCVE(id, desc string) feedCVE {
	return feedCVE{
		ID:           id,
		Published:    "2026-08-20T10:00:00.000",
		Descriptions: []feedDescription{{Lang: "en", Value: desc}},
		References:   []feedReference{{URL: "https://example.com/advisory"}},
	}
}

func TestFetchRecentQueriesWindow(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"pubStartDate": r.URL.Query().Get("pubStartDate"),
			"pubEndDate":   r.URL.Query().Get("pubEndDate"),
		}
		json.NewEncoder(w).Encode(feedPage(1, 0, sampleCVE("CVE-2026-1111", "A remote code execution flaw.")))
	}))
	defer srv.Close()

	store := kv.NewMemoryStore()
	records, err := testFeedClient(srv.URL, store).FetchRecent(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "CVE-2026-1111", records[0].CVEID)
	assert.Equal(t, "A remote code execution flaw.", records[0].Description)

	start, err := time.Parse(nvdDateFormat, gotQuery["pubStartDate"])
	require.NoError(t, err)
	end, err := time.Parse(nvdDateFormat, gotQuery["pubEndDate"])
	require.NoError(t, err)
	assert.InDelta(t, float64(7*24*time.Hour), float64(end.Sub(start)), float64(time.Minute))
}

func TestFetchRecentPaginates(t *testing.T) {
	pages := []feedResponse{
		feedPage(3, 0, sampleCVE("CVE-2026-0001", "first"), sampleCVE("CVE-2026-0002", "second")),
		feedPage(3, 2, sampleCVE("CVE-2026-0003", "third")),
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, call, len(pages))
		json.NewEncoder(w).Encode(pages[call])
		call++
	}))
	defer srv.Close()

	records, err := testFeedClient(srv.URL, kv.NewMemoryStore()).FetchRecent(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 2, call)
}

func TestFetchRecentSkipsRecordsWithoutDescription(t *testing.T) {
	bare := feedCVE{ID: "CVE-2026-9999", Published: "2026-08-20T10:00:00.000"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(feedPage(2, 0, bare, sampleCVE("CVE-2026-1111", "usable")))
	}))
	defer srv.Close()

	records, err := testFeedClient(srv.URL, kv.NewMemoryStore()).FetchRecent(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "CVE-2026-1111", records[0].CVEID)
}

func TestFetchRecentCachesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(feedPage(1, 0, sampleCVE("CVE-2026-1111", "cached flaw")))
	}))
	defer srv.Close()

	store := kv.NewMemoryStore()
	c := testFeedClient(srv.URL, store)
	_, err := c.FetchRecent(context.Background())
	require.NoError(t, err)

	rec, err := c.Cached(context.Background(), "cve-2026-1111")
	require.NoError(t, err)
	assert.Equal(t, "cached flaw", rec.Description)

	_, err = c.Cached(context.Background(), "CVE-2026-2222")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestFetchRecentServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testFeedClient(srv.URL, kv.NewMemoryStore()).FetchRecent(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsRetriable(err))
}

func TestFetchRecentRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	_, err := testFeedClient(srv.URL, kv.NewMemoryStore()).FetchRecent(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidOutput))
}

func TestAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apiKey")
		json.NewEncoder(w).Encode(feedPage(0, 0))
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := NewClient(Options{BaseURL: srv.URL, APIKey: "secret-key"}, kv.NewMemoryStore(), logger)
	_, err := c.FetchRecent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotKey)
}
