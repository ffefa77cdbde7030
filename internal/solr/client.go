// Package solr is a thin HTTP client for Apache Solr's select and update
// endpoints, including cursor-mark paging over large result sets.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freva/internal/logging"
)

// CursorStart is the initial cursor mark of a paged select.
const CursorStart = "*"

// Document is one indexed record.
type Document map[string]any

// SelectResponse is the decoded body of a select request.
type SelectResponse struct {
	Header struct {
		Status int `json:"status"`
		QTime  int `json:"QTime"`
	} `json:"responseHeader"`
	Response struct {
		NumFound int64      `json:"numFound"`
		Start    int64      `json:"start"`
		Docs     []Document `json:"docs"`
	} `json:"response"`
	FacetCounts struct {
		FacetFields map[string][]any `json:"facet_fields"`
	} `json:"facet_counts"`
	NextCursorMark string `json:"nextCursorMark"`
}

// Client talks to one Solr instance. Cores are chosen per call.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a client for the Solr server at baseURL, such as
// "http://localhost:8983".
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logging.Default(logger).With("component", "solr"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) coreURL(core string) string {
	return c.baseURL + "/solr/" + core
}

// Select runs a query against a core and decodes the response.
func (c *Client) Select(ctx context.Context, core string, params url.Values) (*SelectResponse, error) {
	target := c.coreURL(core) + "/select?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solr select: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("solr select: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out SelectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("solr select: decode response: %w", err)
	}
	c.logger.Debug("solr select", "core", core, "numFound", out.Response.NumFound,
		"took", time.Since(start))
	return &out, nil
}

// Update posts documents to a core's JSON update endpoint. Documents are
// committed immediately and never overwrite existing ids, matching the
// ingest pipeline's dedup-before-insert discipline.
func (c *Client) Update(ctx context.Context, core string, docs []Document) error {
	body, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return c.post(ctx, core, body)
}

// DeleteByQuery removes every document in a core matching the query.
func (c *Client) DeleteByQuery(ctx context.Context, core, query string) error {
	body, err := json.Marshal(map[string]any{"delete": map[string]string{"query": query}})
	if err != nil {
		return err
	}
	return c.post(ctx, core, body)
}

func (c *Client) post(ctx context.Context, core string, body []byte) error {
	target := c.coreURL(core) + "/update/json?commit=true&overwrite=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("solr update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("solr update: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Cursor pages through a select query with cursor marks. The caller's
// params must carry a sort with a unique tie-breaker field.
type Cursor struct {
	client *Client
	core   string
	params url.Values
	mark   string
	done   bool

	// NumFound is the total hit count, valid after the first Next call.
	NumFound int64
}

// Cursor prepares cursor-mark paging over a select query. rows sets the
// page size.
func (c *Client) Cursor(core string, params url.Values, rows int) *Cursor {
	p := url.Values{}
	for k, v := range params {
		p[k] = v
	}
	p.Set("rows", fmt.Sprintf("%d", rows))
	return &Cursor{client: c, core: core, params: p, mark: CursorStart}
}

// Next fetches the next page of documents. It returns nil once the cursor
// is exhausted, which Solr signals by repeating the cursor mark.
func (cu *Cursor) Next(ctx context.Context) ([]Document, error) {
	if cu.done {
		return nil, nil
	}
	cu.params.Set("cursorMark", cu.mark)
	resp, err := cu.client.Select(ctx, cu.core, cu.params)
	if err != nil {
		return nil, err
	}
	cu.NumFound = resp.Response.NumFound
	if resp.NextCursorMark == "" || resp.NextCursorMark == cu.mark {
		cu.done = true
	}
	cu.mark = resp.NextCursorMark
	if len(resp.Response.Docs) == 0 {
		cu.done = true
		return nil, nil
	}
	return resp.Response.Docs, nil
}
