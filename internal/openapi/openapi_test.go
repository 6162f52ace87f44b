package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoprank/internal/fetcher"
	"shoprank/pkg/types"
)

type fakeSearcher struct {
	mu     sync.Mutex
	pages  map[int][]types.Candidate
	err    error
	starts []int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, start, _ int) ([]types.Candidate, error) {
	f.mu.Lock()
	f.starts = append(f.starts, start)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[start], nil
}

type countingRedirector struct {
	calls   atomic.Int64
	resolve func(string) string
}

func (c *countingRedirector) Resolve(_ context.Context, raw string) (string, error) {
	c.calls.Add(1)
	if c.resolve == nil {
		return raw, nil
	}
	return c.resolve(raw), nil
}

func filler(n, offset int) []types.Candidate {
	out := make([]types.Candidate, n)
	for i := range out {
		out[i] = types.Candidate{
			Title:     fmt.Sprintf("item %d", offset+i),
			Link:      fmt.Sprintf("https://shop.example/item/%d", offset+i),
			Price:     "1000",
			MallName:  "mall",
			ProductID: strconv.Itoa(900000 + offset + i),
		}
	}
	return out
}

func TestResolveDirectMatchAtIndex40(t *testing.T) {
	first := filler(100, 0)
	first[40] = types.Candidate{
		Title:     "주차번호판",
		Link:      "https://smartstore.naver.com/shop/products/7558362412",
		Price:     "12,900",
		MallName:  "번호판가게",
		ProductID: "7558362412",
	}
	search := &fakeSearcher{pages: map[int][]types.Candidate{1: first, 101: filler(100, 100)}}
	redirect := &countingRedirector{}
	r := NewResolver(search, redirect, Options{})

	res := r.Resolve(context.Background(), "주차번호판", "007558362412")
	require.True(t, res.Found())
	require.NoError(t, res.Validate())
	assert.Equal(t, 41, res.Placement.GlobalRank)
	assert.Equal(t, 2, res.Placement.PageNumber)
	assert.Equal(t, 1, res.Placement.RankWithinPage)
	assert.Equal(t, 12900, res.Placement.Price)
	assert.Equal(t, "번호판가게", res.Placement.StoreName)
	assert.Equal(t, Strategy, res.Strategy)
	assert.Empty(t, res.Notes)
	assert.Zero(t, redirect.calls.Load(), "a native match must not follow any link")
	assert.ElementsMatch(t, []int{1, 101}, search.starts)
}

func TestResolveRedirectDerivedMatch(t *testing.T) {
	wrapped := "https://cr.shopping.naver.com/adcr?x=1&url=" +
		url.QueryEscape(url.QueryEscape("https://smartstore.naver.com/shop/products/7558362412"))
	second := filler(100, 100)
	second[5].Link = "https://cr.shopping.naver.com/go/105"
	search := &fakeSearcher{pages: map[int][]types.Candidate{1: filler(100, 0), 101: second}}
	redirect := &countingRedirector{resolve: func(raw string) string {
		if raw == "https://cr.shopping.naver.com/go/105" {
			return wrapped
		}
		return raw
	}}
	r := NewResolver(search, redirect, Options{})

	res := r.Resolve(context.Background(), "kw", "7558362412")
	require.True(t, res.Found())
	assert.Equal(t, 106, res.Placement.GlobalRank)
	assert.Equal(t, 3, res.Placement.PageNumber)
	assert.Equal(t, 26, res.Placement.RankWithinPage)
	assert.Contains(t, res.Notes, NoteRedirectDerived)
	// Batches stop at the first hit: candidates 1..112 are followed at most.
	assert.LessOrEqual(t, redirect.calls.Load(), int64(112))
}

func TestResolveEarliestBatchPositionWins(t *testing.T) {
	page := filler(100, 0)
	page[3].Link = "https://m.example/catalog/42"
	page[6].Link = "https://m.example/catalog/42"
	search := &fakeSearcher{pages: map[int][]types.Candidate{1: page}}
	r := NewResolver(search, &countingRedirector{}, Options{})

	res := r.Resolve(context.Background(), "kw", "42")
	require.True(t, res.Found())
	assert.Equal(t, 4, res.Placement.GlobalRank)
}

func TestResolveNotFound(t *testing.T) {
	search := &fakeSearcher{pages: map[int][]types.Candidate{1: filler(100, 0), 101: filler(100, 100)}}
	redirect := &countingRedirector{}
	r := NewResolver(search, redirect, Options{})

	res := r.Resolve(context.Background(), "kw", "123")
	assert.False(t, res.Found())
	assert.Equal(t, []string{"no match within top 200"}, res.Notes)
	assert.Equal(t, int64(200), redirect.calls.Load())
}

func TestResolveRequestFailureIsNotAnError(t *testing.T) {
	search := &fakeSearcher{err: errors.New("search api returned 429")}
	r := NewResolver(search, &countingRedirector{}, Options{})

	res := r.Resolve(context.Background(), "kw", "123")
	assert.False(t, res.Found())
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "429")
}

func TestClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Naver-Client-Id") != "id" || r.Header.Get("X-Naver-Client-Secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorMessage":"Authentication failed","errorCode":"024"}`))
			return
		}
		assert.Equal(t, "주차번호판", r.URL.Query().Get("query"))
		assert.Equal(t, "101", r.URL.Query().Get("start"))
		assert.Equal(t, "100", r.URL.Query().Get("display"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": 1, "start": 101, "display": 1,
			"items": []map[string]string{{
				"title":       "<b>주차</b>번호판 &amp; 케이스",
				"link":        "https://smartstore.naver.com/shop/products/1",
				"lprice":      "9900",
				"mallName":    "가게",
				"productId":   "1",
				"productType": "2",
			}},
		})
	}))
	defer srv.Close()

	httpClient, err := fetcher.NewHTTPClient(fetcher.Options{})
	require.NoError(t, err)

	client, err := NewClient(httpClient, srv.URL, "id", "secret")
	require.NoError(t, err)
	items, err := client.Search(context.Background(), "주차번호판", 101, 100)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "주차번호판 & 케이스", items[0].Title)
	assert.Equal(t, "9900", items[0].Price)
	assert.Equal(t, "가게", items[0].MallName)

	bad, err := NewClient(httpClient, srv.URL, "id", "wrong")
	require.NoError(t, err)
	_, err = bad.Search(context.Background(), "x", 1, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Authentication failed")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(nil, "https://api.example", "", "secret")
	assert.ErrorIs(t, err, ErrCredentialsMissing)
	_, err = NewClient(nil, "https://api.example", "id", " ")
	assert.ErrorIs(t, err, ErrCredentialsMissing)
}

func TestResolveEndToEndWithRedirectServer(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		items := make([]map[string]string, 0, 100)
		for i := 0; i < 100; i++ {
			rank := start + i
			items = append(items, map[string]string{
				"title":     "item",
				"link":      fmt.Sprintf("%s/r/%d", srv.URL, rank),
				"lprice":    "500",
				"mallName":  "m",
				"productId": strconv.Itoa(500000 + rank),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	})
	mux.HandleFunc("/r/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/17" {
			target := "/adcr?url=" + url.QueryEscape(url.QueryEscape("https://smartstore.naver.com/s/products/7558362412"))
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		http.Redirect(w, r, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/adcr", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	httpClient, err := fetcher.NewHTTPClient(fetcher.Options{})
	require.NoError(t, err)
	client, err := NewClient(httpClient, srv.URL+"/search", "id", "secret")
	require.NoError(t, err)

	res := NewResolver(client, httpClient, Options{}).Resolve(context.Background(), "kw", "7558362412")
	require.True(t, res.Found())
	assert.Equal(t, 17, res.Placement.GlobalRank)
	assert.Contains(t, res.Notes, NoteRedirectDerived)
}

func TestParsePrice(t *testing.T) {
	assert.Equal(t, 12900, ParsePrice("12,900"))
	assert.Equal(t, 0, ParsePrice(""))
	assert.Equal(t, 0, ParsePrice("about 10"))
	assert.Equal(t, 0, ParsePrice("-5"))
}
