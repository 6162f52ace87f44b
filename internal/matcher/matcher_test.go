package matcher

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"007558362412", "7558362412"},
		{" 7558362412\u200b", "7558362412"},
		{"\ufeff75583\u200c62412\u200d", "7558362412"},
		{"7558 3624\t12\n", "7558362412"},
		{"id:7558362412", "7558362412"},
		{"000", ""},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
		assert.Equal(t, got, Normalize(got), "Normalize must be idempotent for %q", tt.in)
	}
	assert.Equal(t, Normalize("007558362412"), Normalize(" 7558362412\u200b"))
}

func TestEquals(t *testing.T) {
	assert.True(t, Equals("007558362412", " 7558362412\u200b"))
	assert.False(t, Equals("7558362412", "7558362413"))
	assert.False(t, Equals("7558362412", ""))
	assert.False(t, Equals("", "7558362412"))
	assert.False(t, Equals("", ""))
	assert.False(t, Equals("000", "0"))
	assert.False(t, Equals("abc", "def"))
}

func TestDecodeStopsWhenStable(t *testing.T) {
	layers := Decode("https://a.example/x?y=1&amp;z=2")
	require.Len(t, layers, 1)
	assert.Equal(t, "https://a.example/x?y=1&z=2", layers[0])

	twice := url.QueryEscape(url.QueryEscape("/products/42"))
	layers = Decode(twice)
	require.Len(t, layers, 3)
	assert.Equal(t, "/products/42", layers[2])
}

func TestExtractCandidateIDs(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want CandidateSet
	}{
		{
			name: "products path",
			url:  "https://smartstore.naver.com/shop/products/7558362412",
			want: CandidateSet{ProdNo: "7558362412"},
		},
		{
			name: "catalog path",
			url:  "https://search.shopping.naver.com/catalog/38123456789?query=x",
			want: CandidateSet{ProductID: "38123456789"},
		},
		{
			name: "query params",
			url:  "https://shopping.example/p?nvMid=111&productId=222",
			want: CandidateSet{NvMid: "111", ProductID: "222"},
		},
		{
			name: "entity encoded query",
			url:  "https://shopping.example/p?a=1&amp;prodNo=333",
			want: CandidateSet{ProdNo: "333"},
		},
		{
			name: "double encoded redirect target",
			url: "https://cr.shopping.naver.com/adcr?x=abc&url=" +
				url.QueryEscape(url.QueryEscape("https://smartstore.naver.com/shop/products/7558362412")),
			want: CandidateSet{ProdNo: "7558362412"},
		},
		{
			name: "nested redirect parameter",
			url: "https://track.example/r?dest=" +
				url.QueryEscape("https://inner.example/go?targetUrl="+url.QueryEscape("https://m.example/catalog/99")),
			want: CandidateSet{ProductID: "99"},
		},
		{
			name: "nothing",
			url:  "https://example.com/about",
			want: CandidateSet{},
		},
		{
			name: "empty",
			url:  "",
			want: CandidateSet{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCandidateIDs(tt.url))
		})
	}
}

func TestExtractPrefersOutermostURL(t *testing.T) {
	raw := "https://shop.example/products/1?url=" + url.QueryEscape("https://other.example/products/2")
	set := ExtractCandidateIDs(raw)
	assert.Equal(t, "1", set.ProdNo)
}

func TestCandidateSetMatches(t *testing.T) {
	set := CandidateSet{NvMid: "0042"}
	assert.True(t, set.Matches("42"))
	assert.False(t, set.Matches("43"))
	assert.False(t, CandidateSet{}.Matches("42"))
	assert.Equal(t, "0042", set.First())
}
