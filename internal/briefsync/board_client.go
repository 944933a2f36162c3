package briefsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BoardItem is the full work-item record fetched after a webhook
// notification. Columns are flattened to display text keyed by column id.
type BoardItem struct {
	ID        string            `json:"id"`
	BoardID   string            `json:"boardId"`
	Name      string            `json:"name"`
	Columns   map[string]string `json:"columns"`
	DocIDs    []string          `json:"docIds,omitempty"`
	Assets    []ImageRef        `json:"assets,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

type TemplateStructure struct {
	Key       string   `json:"key"`
	NodeNames []string `json:"nodeNames"`
}

// BoardClient is the outbound surface to the work-tracking board: re-fetch
// the full record behind a notification, and the optional enrichment reads.
type BoardClient interface {
	FetchItem(ctx context.Context, boardID, itemID string) (BoardItem, error)
	FetchDocument(ctx context.Context, docID string) (string, error)
}

// TemplateFetcher is the optional enrichment read against the design-file
// service: the node structure of the briefing template.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, templateKey string) (TemplateStructure, error)
}

type BoardClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPBoardClient talks to the board's REST API with bounded retries and
// exponential backoff, honoring Retry-After on 429s.
type HTTPBoardClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPBoardClient(opts BoardClientOptions) *HTTPBoardClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPBoardClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPBoardClient) FetchItem(ctx context.Context, boardID, itemID string) (BoardItem, error) {
	var item BoardItem
	path := fmt.Sprintf("/v2/boards/%s/items/%s", url.PathEscape(boardID), url.PathEscape(itemID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &item); err != nil {
		return BoardItem{}, err
	}
	if item.ID == "" {
		item.ID = itemID
	}
	if item.BoardID == "" {
		item.BoardID = boardID
	}
	return item, nil
}

func (c *HTTPBoardClient) FetchDocument(ctx context.Context, docID string) (string, error) {
	var doc struct {
		Content string `json:"content"`
	}
	path := "/v2/docs/" + url.PathEscape(docID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return "", err
	}
	return doc.Content, nil
}

func (c *HTTPBoardClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("board client is nil")
	}
	if c.baseURL == "" {
		return fmt.Errorf("%w: board api base url", ErrUnconfigured)
	}
	if c.token == "" {
		return fmt.Errorf("%w: board api token", ErrUnconfigured)
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return fmt.Errorf("board request failed: status=%d message=%s", resp.StatusCode, message)
	}
}

func (c *HTTPBoardClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

type DesignFileClientOptions struct {
	BaseURL    string
	Token      string
	ProjectID  string
	HTTPClient *http.Client
}

// HTTPDesignFileClient lists the design project's files for routing name
// matches and fetches template node structure for enrichment. It is a read
// client only: the design tool has no remote write API.
type HTTPDesignFileClient struct {
	baseURL    string
	token      string
	projectID  string
	httpClient *http.Client
}

func NewHTTPDesignFileClient(opts DesignFileClientOptions) *HTTPDesignFileClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDesignFileClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		projectID:  strings.TrimSpace(opts.ProjectID),
		httpClient: httpClient,
	}
}

func (c *HTTPDesignFileClient) ListFiles(ctx context.Context) ([]DesignFile, error) {
	var out struct {
		Files []DesignFile `json:"files"`
	}
	path := "/v1/projects/" + url.PathEscape(c.projectID) + "/files"
	if err := c.doGet(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *HTTPDesignFileClient) FetchTemplate(ctx context.Context, templateKey string) (TemplateStructure, error) {
	var out TemplateStructure
	path := "/v1/files/" + url.PathEscape(templateKey) + "/nodes"
	if err := c.doGet(ctx, path, &out); err != nil {
		return TemplateStructure{}, err
	}
	if out.Key == "" {
		out.Key = templateKey
	}
	return out, nil
}

func (c *HTTPDesignFileClient) doGet(ctx context.Context, path string, out any) error {
	if c.baseURL == "" || c.token == "" {
		return fmt.Errorf("%w: design file api", ErrUnconfigured)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("design file request failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
