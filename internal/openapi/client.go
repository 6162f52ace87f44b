// Package openapi resolves organic ranks through the shopping search API.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"shoprank/internal/fetcher"
	"shoprank/pkg/types"
)

// ErrCredentialsMissing is returned when the client id or secret is empty.
var ErrCredentialsMissing = errors.New("openapi credentials missing")

// MaxDisplay is the largest page the API serves per call.
const MaxDisplay = 100

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Getter is the HTTP capability the client needs.
type Getter interface {
	Get(ctx context.Context, rawURL string, headers map[string]string) (*fetcher.Response, error)
}

// Client calls the shopping search endpoint.
type Client struct {
	http         Getter
	endpoint     string
	clientID     string
	clientSecret string
}

// NewClient validates credentials and builds a client.
func NewClient(getter Getter, endpoint, clientID, clientSecret string) (*Client, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, ErrCredentialsMissing
	}
	if _, err := url.Parse(endpoint); err != nil || strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("invalid openapi endpoint %q", endpoint)
	}
	return &Client{
		http:         getter,
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

type searchResponse struct {
	Total   int               `json:"total"`
	Start   int               `json:"start"`
	Display int               `json:"display"`
	Items   []types.Candidate `json:"items"`
}

type errorResponse struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"errorCode"`
}

// Search fetches one page of results ordered by relevance. start is 1-based.
func (c *Client) Search(ctx context.Context, keyword string, start, display int) ([]types.Candidate, error) {
	if display <= 0 || display > MaxDisplay {
		display = MaxDisplay
	}
	if start < 1 {
		start = 1
	}
	q := url.Values{}
	q.Set("query", keyword)
	q.Set("start", strconv.Itoa(start))
	q.Set("display", strconv.Itoa(display))
	q.Set("sort", "sim")

	target := c.endpoint
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}

	resp, err := c.http.Get(ctx, target, map[string]string{
		"X-Naver-Client-Id":     c.clientID,
		"X-Naver-Client-Secret": c.clientSecret,
		"Accept":                "application/json",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var payload searchResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	for i := range payload.Items {
		payload.Items[i].Title = cleanTitle(payload.Items[i].Title)
	}
	return payload.Items, nil
}

func statusError(resp *fetcher.Response) error {
	var apiErr errorResponse
	if err := json.Unmarshal(resp.Body, &apiErr); err == nil && apiErr.ErrorMessage != "" {
		return fmt.Errorf("search api returned %d (%s): %s", resp.StatusCode, apiErr.ErrorCode, apiErr.ErrorMessage)
	}
	excerpt := strings.TrimSpace(string(resp.Body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return fmt.Errorf("search api returned %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), excerpt)
}

func cleanTitle(title string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(title, "")))
}

// ParsePrice reads the API's lowest-price field. Malformed values yield 0.
func ParsePrice(raw string) int {
	cleaned := strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(raw))
	n, err := strconv.Atoi(cleaned)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
