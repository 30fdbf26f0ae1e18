package dump

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Target holds the addresses derived from the URL given on the command line.
type Target struct {
	// Input is the URL as typed.
	Input string
	// PukiURL is the wiki entry script (index.php or its directory) with query
	// and fragment removed. Every action URL is built from it.
	PukiURL string
	// BaseURL is the directory that contains PukiURL.
	BaseURL string
}

// ParseTarget normalizes input into a Target. A missing scheme means http.
func ParseTarget(input string) (Target, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Target{}, errors.New("wiki url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse wiki url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("wiki url %q has no host", input)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	base := *u
	if !strings.HasSuffix(base.Path, "/") {
		base.Path = path.Dir(base.Path)
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
	}
	base.RawPath = ""

	return Target{Input: input, PukiURL: u.String(), BaseURL: base.String()}, nil
}

// DefaultDir names a dump directory after the wiki address and the UTC date,
// e.g. wiki.example_pukiwiki-20240102.
func (t Target) DefaultDir(now time.Time) string {
	u, err := url.Parse(t.PukiURL)
	if err != nil {
		return "dump-" + now.UTC().Format("20060102")
	}
	p := strings.TrimSuffix(u.Path, "/")
	p = strings.TrimSuffix(p, "/index.php")
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, u.Host+p)
	return prefix + "-" + now.UTC().Format("20060102")
}
