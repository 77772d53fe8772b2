package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"chapterforge/internal/cache"
	"chapterforge/internal/chapter"
	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
)

// externalRetries is the in-client retry budget for transient upstream
// failures before the error surfaces to the caller.
const externalRetries = 3

// ExternalClient queries a PubMed-style publication index. Every query
// goes through the shared cache first; cache hits never touch the
// upstream, which keeps repeated chapter runs cheap and inside the
// upstream's rate limits.
type ExternalClient struct {
	baseURL string
	http    *http.Client
	cache   *cache.Cache
	sem     *semaphore.Weighted
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExternalClient wires the client with a shared cache. The semaphore
// caps concurrent upstream requests across all chapters in this process.
func NewExternalClient(cfg config.ResearchConfig, c *cache.Cache) *ExternalClient {
	concurrency := cfg.ExternalConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := cfg.ExternalTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ExternalClient{
		baseURL: strings.TrimRight(cfg.ExternalBaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cache:   c,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		log:     logging.Get(logging.CategoryResearch),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

type searchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type summaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type summaryRecord struct {
	UID     string `json:"uid"`
	Title   string `json:"title"`
	PubDate string `json:"pubdate"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

// Search queries the publication index for up to limit results. Results
// carry no relevance score yet; the AI filter assigns one downstream.
func (c *ExternalClient) Search(ctx context.Context, query string, limit int) ([]chapter.SourceRef, error) {
	key := cache.Key("external", query, map[string]string{"limit": strconv.Itoa(limit)})
	var cached []chapter.SourceRef
	if hit, err := c.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, llmerr.Wrap(llmerr.KindCancelled, err, "external search interrupted")
	}
	defer c.sem.Release(1)

	ids, err := c.searchIDs(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// Cache the empty result too; a topic with no literature stays
		// empty for the TTL.
		_ = c.cache.Set(ctx, key, []chapter.SourceRef{})
		return nil, nil
	}

	refs, err := c.fetchSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, refs); err != nil {
		c.log.Warn("failed to cache external results", zap.Error(err))
	}
	return refs, nil
}

func (c *ExternalClient) searchIDs(ctx context.Context, query string, limit int) ([]string, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", query)
	q.Set("retmax", strconv.Itoa(limit))
	q.Set("retmode", "json")

	var res searchResponse
	if err := c.getJSON(ctx, "/esearch.fcgi?"+q.Encode(), &res); err != nil {
		return nil, err
	}
	return res.ESearchResult.IDList, nil
}

func (c *ExternalClient) fetchSummaries(ctx context.Context, ids []string) ([]chapter.SourceRef, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmode", "json")

	var res summaryResponse
	if err := c.getJSON(ctx, "/esummary.fcgi?"+q.Encode(), &res); err != nil {
		return nil, err
	}

	refs := make([]chapter.SourceRef, 0, len(ids))
	for _, id := range ids {
		raw, ok := res.Result[id]
		if !ok {
			continue
		}
		var rec summaryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.log.Warn("skipping malformed summary record", zap.String("id", id), zap.Error(err))
			continue
		}
		ref := chapter.SourceRef{
			Origin: chapter.OriginExternalPub,
			ID:     "pmid:" + rec.UID,
			Title:  rec.Title,
			Year:   parseYear(rec.PubDate),
		}
		for _, a := range rec.Authors {
			ref.Authors = append(ref.Authors, a.Name)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// getJSON fetches path relative to the base URL, retrying transient
// upstream failures with exponential backoff.
func (c *ExternalClient) getJSON(ctx context.Context, path string, out any) error {
	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < externalRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return llmerr.Wrap(llmerr.KindCancelled, err, "external retry interrupted")
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return llmerr.Wrap(llmerr.KindInvalidInput, err, "failed to build external request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "external request cancelled")
			}
			lastErr = llmerr.Wrap(llmerr.KindProviderTransient, err, "external request failed")
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = llmerr.Wrap(llmerr.KindProviderTransient, err, "failed to read external response")
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = llmerr.New(llmerr.KindProviderTransient,
				"external index returned %d: %s", resp.StatusCode, truncate(string(body), 200))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return llmerr.New(llmerr.KindInvalidInput,
				"external index rejected query with %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return llmerr.Wrap(llmerr.KindProviderTransient, err, "failed to decode external response")
		}
		return nil
	}
	return lastErr
}

// parseYear extracts the leading year from dates like "2021 Mar 15".
func parseYear(pubDate string) int {
	fields := strings.Fields(pubDate)
	if len(fields) == 0 {
		return 0
	}
	year, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return year
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
