package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://example.com/page?utm_source=x#frag", "https://example.com/page", true},
		{"https://Example.COM/Page/", "https://example.com/Page", true},
		{"http://example.com:80/a?b=2&a=1", "https://example.com/a?a=1&b=2", true},
		{"https://example.com:443/", "https://example.com/", true},
		{"https://example.com:8443/x", "https://example.com:8443/x", true},
		{"https://example.com?fbclid=abc&gclid=xyz", "https://example.com/", true},
		{"https://example.com/?ref=hn&q=go%20lang", "https://example.com/?q=go%20lang", true},
		{"https://example.com/a?x=1&x=2", "https://example.com/a?x=2", true},
		{"https://example.com/a?UTM_Medium=mail&msclkid=1", "https://example.com/a", true},
		{"https://example.com/a//", "https://example.com/a/", true},
		{"https://example.com//", "https://example.com/", true},
		{"https://example.com/s?q=it's+(a)*!b", "https://example.com/s?q=it's%20(a)*!b", true},
		{"https://example.com/s?q=a%2Bb&r=x%26y", "https://example.com/s?q=a%2Bb&r=x%26y", true},
		{"ftp://example.com/file", "", false},
		{"not-a-url", "", false},
		{"", "", false},
		{"javascript:alert(1)", "", false},
	}
	for _, tc := range cases {
		got, ok := Canonicalize(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestCanonicalizeIsStable(t *testing.T) {
	once, ok := Canonicalize("HTTP://Example.com:80/a/b/?z=1&utm_campaign=q&a=2#top")
	assert.True(t, ok)
	twice, ok := Canonicalize(once)
	assert.True(t, ok)
	assert.Equal(t, once, twice)
}

func TestIsBlocked(t *testing.T) {
	blocked := []string{
		"",
		"not-a-url",
		"file:///etc/passwd",
		"http://localhost:3000",
		"http://api.localhost/",
		"http://127.0.0.1/",
		"http://127.8.8.8/",
		"http://::1/",
		"http://[::1]:8080/",
		"http://0.0.0.0/",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://172.31.255.255/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data",
	}
	for _, u := range blocked {
		assert.True(t, IsBlocked(u), u)
	}

	allowed := []string{
		"https://example.com/article",
		"http://8.8.8.8/",
		"http://172.15.0.1/",
		"http://172.32.0.1/",
		"https://192.169.0.1/",
	}
	for _, u := range allowed {
		assert.False(t, IsBlocked(u), u)
	}
}
