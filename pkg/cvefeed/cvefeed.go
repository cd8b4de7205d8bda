// Package cvefeed pulls recently published vulnerability records from an
// NVD-compatible feed and caches them in the KV store.
package cvefeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
)

const (
	// nvdDateFormat is the timestamp layout the feed API expects.
	nvdDateFormat = "2006-01-02T15:04:05.000"

	cacheKeyPrefix = "cve:"
	cacheTTL       = 24 * time.Hour

	defaultWindow  = 7 * 24 * time.Hour
	defaultPerPage = 200
)

// Options configures the feed client
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Window is how far back FetchRecent looks; defaults to seven days.
	Window  time.Duration
	PerPage int
}

// Client fetches CVE records
type Client struct {
	opts   Options
	client *http.Client
	store  kv.Store
	logger *logrus.Logger
}

// NewClient creates a feed client backed by the given cache store
func NewClient(opts Options, store kv.Store, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaultPerPage
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		store:  store,
		logger: logger,
	}
}

type feedResponse struct {
	ResultsPerPage  int                 `json:"resultsPerPage"`
	StartIndex      int                 `json:"startIndex"`
	TotalResults    int                 `json:"totalResults"`
	Vulnerabilities []feedVulnerability `json:"vulnerabilities"`
}

type feedVulnerability struct {
	CVE feedCVE `json:"cve"`
}

type feedCVE struct {
	ID           string            `json:"id"`
	Published    string            `json:"published"`
	Descriptions []feedDescription `json:"descriptions"`
	References   []feedReference   `json:"references"`
}

type feedDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type feedReference struct {
	URL string `json:"url"`
}

// FetchRecent returns all CVEs published inside the lookback window,
// paging through the feed and caching each record.
func (c *Client) FetchRecent(ctx context.Context) ([]models.CVERecord, error) {
	end := time.Now().UTC()
	start := end.Add(-c.opts.Window)

	var records []models.CVERecord
	startIndex := 0
	for {
		page, err := c.fetchPage(ctx, start, end, startIndex)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vulnerabilities {
			rec, ok := c.toRecord(v.CVE)
			if !ok {
				continue
			}
			records = append(records, rec)
			c.cache(ctx, rec)
		}
		startIndex += len(page.Vulnerabilities)
		if startIndex >= page.TotalResults || len(page.Vulnerabilities) == 0 {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"published_since": start.Format(time.RFC3339),
		"records":         len(records),
	}).Info("Fetched CVE feed")
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, startIndex int) (*feedResponse, error) {
	q := url.Values{}
	q.Set("pubStartDate", start.Format(nvdDateFormat))
	q.Set("pubEndDate", end.Format(nvdDateFormat))
	q.Set("resultsPerPage", strconv.Itoa(c.opts.PerPage))
	q.Set("startIndex", strconv.Itoa(startIndex))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "build feed request")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("apiKey", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "feed fetch cancelled")
		}
		return nil, errs.Wrap(errs.KindTimeout, err, "feed unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTimeout, err, "read feed response")
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, errs.New(errs.KindTimeout, "feed returned %d", resp.StatusCode)
		}
		return nil, errs.New(errs.KindInvalidOutput, "feed returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page feedResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errs.Wrap(errs.KindInvalidOutput, err, "parse feed response")
	}
	return &page, nil
}

func (c *Client) toRecord(cve feedCVE) (models.CVERecord, bool) {
	id := strings.ToUpper(strings.TrimSpace(cve.ID))
	if id == "" {
		return models.CVERecord{}, false
	}
	rec := models.CVERecord{CVEID: id}
	if t, err := time.Parse(time.RFC3339, cve.Published); err == nil {
		rec.PublishedAt = t
	} else if t, err := time.Parse(nvdDateFormat, cve.Published); err == nil {
		rec.PublishedAt = t.UTC()
	}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			rec.Description = d.Value
			break
		}
	}
	if rec.Description == "" && len(cve.Descriptions) > 0 {
		rec.Description = cve.Descriptions[0].Value
	}
	if rec.Description == "" {
		// A record with no description gives the generator nothing to
		// work from.
		return models.CVERecord{}, false
	}
	for _, r := range cve.References {
		if r.URL != "" {
			rec.References = append(rec.References, r.URL)
		}
	}
	return rec, true
}

func (c *Client) cache(ctx context.Context, rec models.CVERecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, cacheKeyPrefix+rec.CVEID, string(raw), cacheTTL); err != nil {
		c.logger.WithError(err).WithField("cve_id", rec.CVEID).Warn("CVE cache write failed")
	}
}

// Cached returns the cached record for a CVE id, if the cache still holds it
func (c *Client) Cached(ctx context.Context, cveID string) (*models.CVERecord, error) {
	raw, err := c.store.Get(ctx, cacheKeyPrefix+strings.ToUpper(cveID))
	if err == kv.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, "cve %s not cached", cveID)
	}
	if err != nil {
		return nil, err
	}
	var rec models.CVERecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "corrupt cve cache entry %s", cveID)
	}
	return &rec, nil
}
