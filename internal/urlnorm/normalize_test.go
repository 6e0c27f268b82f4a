package urlnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := New()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"removes default http port", "http://example.com:80/a", "http://example.com/a"},
		{"removes default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps non-default port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"leaves path and query untouched", "https://example.com/a//b/?z=1&a=2", "https://example.com/a//b/?z=1&a=2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := New()
	inputs := []string{
		"HTTP://Example.COM:80/a/b?z=1&a=2#frag",
		"https://Sub.Example.com:443/",
	}
	for _, in := range inputs {
		once, err := n.Normalize(in)
		require.NoError(t, err)
		twice, err := n.Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize(normalize(u)) must equal normalize(u)")
	}
}

func TestNormalizeInvalidURL(t *testing.T) {
	n := New()
	_, err := n.Normalize("://not a url")
	require.Error(t, err)
	var nerr *Error
	assert.ErrorAs(t, err, &nerr)
}

func TestSameHost(t *testing.T) {
	assert.True(t, SameHost("example.com", "Example.COM"))
	assert.False(t, SameHost("example.com", "www.example.com"))
}

func TestSameRegistrableDomain(t *testing.T) {
	assert.True(t, SameRegistrableDomain("www.example.com", "shop.example.com"))
	assert.False(t, SameRegistrableDomain("example.com", "example.org"))
}
