package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound means the remote collection (database) does not exist.
	ErrNotFound = errors.New("remote collection not found")
	// ErrUnauthorized means the remote rejected the configured credentials.
	ErrUnauthorized = errors.New("remote rejected credentials")
)

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client speaks the CouchDB-style HTTP surface: health probe, database
// management, _changes and _bulk_docs. Every request carries Basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	timeout  time.Duration
	http     *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(parsed.String(), "/"),
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		// Long-poll requests outlive the default timeout, so deadlines are
		// applied per call through contexts instead.
		http: &http.Client{},
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping probes the remote root. A reachable, authenticated endpoint answers
// with its welcome document.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", c.baseURL, err)
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if status >= 400 {
		return fmt.Errorf("probe %s: unexpected status %d", c.baseURL, status)
	}
	return nil
}

// DBExists checks that the collection database exists. The trailing slash
// matters to some gateways, so it is always sent.
func (c *Client) DBExists(ctx context.Context, db string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/", nil, nil)
	if err != nil {
		return fmt.Errorf("check %s: %w", db, err)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", db, ErrNotFound)
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status >= 400:
		return fmt.Errorf("check %s: unexpected status %d", db, status)
	}
	return nil
}

// CreateDB creates the collection database. An already-existing database
// (HTTP 412) counts as success.
func (c *Client) CreateDB(ctx context.Context, db string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(db), nil, nil)
	if err != nil {
		return fmt.Errorf("create %s: %w", db, err)
	}
	switch {
	case status == http.StatusPreconditionFailed:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status >= 400:
		return fmt.Errorf("create %s: unexpected status %d", db, status)
	}
	return nil
}

// DeleteDB removes the collection database. A missing database is treated
// as already deleted.
func (c *Client) DeleteDB(ctx context.Context, db string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodDelete, "/"+url.PathEscape(db), nil, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", db, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status >= 400:
		return fmt.Errorf("delete %s: unexpected status %d", db, status)
	}
	return nil
}

// DocCount reports the number of documents via _all_docs metadata.
func (c *Client) DocCount(ctx context.Context, db string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{"limit": {"0"}}
	status, body, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/_all_docs", query, nil)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", db, err)
	}
	if status == http.StatusNotFound {
		return 0, fmt.Errorf("%s: %w", db, ErrNotFound)
	}
	if status >= 400 {
		return 0, fmt.Errorf("count %s: unexpected status %d", db, status)
	}

	var decoded struct {
		TotalRows int `json:"total_rows"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, fmt.Errorf("count %s: %w", db, err)
	}
	return decoded.TotalRows, nil
}

type Feed string

const (
	FeedNormal   Feed = "normal"
	FeedLongpoll Feed = "longpoll"
)

type ChangesOptions struct {
	Since   string
	Limit   int
	Feed    Feed
	Timeout time.Duration // long-poll hold time
}

type Change struct {
	ID      string `json:"id"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool           `json:"deleted,omitempty"`
	Doc     map[string]any `json:"doc,omitempty"`
}

type ChangesPage struct {
	Results []Change
	LastSeq string
}

// Changes fetches one page of the change feed with full documents included.
// With FeedLongpoll the call blocks server-side until something changes or
// the hold time elapses.
func (c *Client) Changes(ctx context.Context, db string, opts ChangesOptions) (*ChangesPage, error) {
	query := url.Values{"include_docs": {"true"}}
	if opts.Since != "" {
		query.Set("since", opts.Since)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	deadline := c.timeout
	if opts.Feed == FeedLongpoll {
		query.Set("feed", string(opts.Feed))
		hold := opts.Timeout
		if hold <= 0 {
			hold = 25 * time.Second
		}
		query.Set("timeout", strconv.FormatInt(hold.Milliseconds(), 10))
		// Leave room for the server to hold the connection open.
		deadline = hold + 10*time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	status, body, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/_changes", query, nil)
	if err != nil {
		return nil, fmt.Errorf("changes %s: %w", db, err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", db, ErrNotFound)
	}
	if status >= 400 {
		return nil, fmt.Errorf("changes %s: unexpected status %d", db, status)
	}

	var decoded struct {
		Results []Change        `json:"results"`
		LastSeq json.RawMessage `json:"last_seq"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("changes %s: %w", db, err)
	}

	return &ChangesPage{
		Results: decoded.Results,
		LastSeq: seqString(decoded.LastSeq),
	}, nil
}

type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkDocs submits a batch of documents. Per-document failures (conflicts
// included) come back in the results, not as a call error.
func (c *Client) BulkDocs(ctx context.Context, db string, docs []map[string]any) ([]BulkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{"docs": docs}
	status, body, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(db)+"/_bulk_docs", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("bulk docs %s: %w", db, err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", db, ErrNotFound)
	}
	if status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if status >= 400 {
		return nil, fmt.Errorf("bulk docs %s: unexpected status %d", db, status)
	}

	var results []BulkResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("bulk docs %s: %w", db, err)
	}
	return results, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// seqString renders a change sequence for the next since parameter. CouchDB
// 1.x uses numbers, later versions opaque strings.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
