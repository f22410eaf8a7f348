package match

import (
	"testing"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlob(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "", true},
		{"*", "http://x.test/a/b", true},
		{"http://*", "http://x.test/", true},
		{"http://*", "https://x.test/", false},
		{"*.js", "http://x.test/ad.js", true},
		{"*.js", "http://x.test/ad.json", false},
		{"/a?c", "/abc", true},
		{"/a?c", "/ac", false},
		{"[a-c]x", "bx", true},
		{"[a-c]x", "dx", false},
		{"[xyz]", "y", true},
		{`\*lit`, "*lit", true},
		{`\*lit`, "alit", false},
		{"a**b", "aXYb", true},
		{"[oops", "[oops", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Glob(tt.pattern, tt.s), "%q ~ %q", tt.pattern, tt.s)
	}
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		url    string
		want   bool
	}{
		{"empty accepts all", Params{}, "http://x.test/", true},
		{"prefix", Params{Prefix: "http://ads."}, "http://ads.x.test/a", true},
		{"prefix miss", Params{Prefix: "http://ads."}, "http://x.test/a", false},
		{"suffix", Params{Suffix: ".gif"}, "http://x.test/p.gif", true},
		{"glob wins over prefix", Params{Glob: "*.png", Prefix: "http://"}, "ftp://x/p.png", true},
		{"regex", Params{Match: `/ads?/`}, "http://x.test/ad/1", true},
		{"regex unanchored", Params{Match: `banner`}, "http://x.test/img/banner.png", true},
		{"regex ignore case", Params{Match: `BANNER`, IgnoreCase: true}, "http://x/banner", true},
		{"glob ignore case", Params{Suffix: ".JS", IgnoreCase: true}, "http://x/a.js", true},
		{"invert", Params{Prefix: "http://", Invert: true}, "http://x/", false},
		{"invert miss", Params{Prefix: "http://", Invert: true}, "x.test:443", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Matches(tt.url))
		})
	}
}

func TestBadRegex(t *testing.T) {
	_, err := New(Params{Match: "("})
	assert.Error(t, err)
}

func TestParamsFromProps(t *testing.T) {
	p := ParamsFromProps(config.NewProps(map[string]string{
		"prefix":     "http://",
		"ignoreCase": "true",
		"invert":     "1",
	}))
	assert.Equal(t, Params{Prefix: "http://", IgnoreCase: true, Invert: true}, p)
}
