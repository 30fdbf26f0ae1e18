package wiki

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
)

// Param is one query parameter. Order is preserved when encoding.
type Param struct {
	Key   string
	Value string
}

// EncodeParams percent-encodes params after transcoding every value into
// encoding. Unrepresentable characters are an error, never replaced.
func EncodeParams(encoding string, params ...Param) (string, error) {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		raw, err := transport.EncodeString(p.Value, encoding)
		if err != nil {
			return "", fmt.Errorf("encode %s=%q as %s: %w", p.Key, p.Value, encoding, err)
		}
		parts = append(parts, url.QueryEscape(p.Key)+"="+url.QueryEscape(string(raw)))
	}
	return strings.Join(parts, "&"), nil
}

// ActionURL builds base?k=v&... with values encoded in encoding.
func ActionURL(base, encoding string, params ...Param) (string, error) {
	query, err := EncodeParams(encoding, params...)
	if err != nil {
		return "", err
	}
	return joinQuery(base, query), nil
}

// PageURL returns the read view of p, PukiWiki style: base?<title>.
func PageURL(base string, p Page) (string, error) {
	raw, err := transport.EncodeString(p.Title, p.URLEncoding)
	if err != nil {
		return "", fmt.Errorf("encode title %q as %s: %w", p.Title, p.URLEncoding, err)
	}
	escaped := strings.ReplaceAll(url.QueryEscape(string(raw)), "+", "%20")
	return joinQuery(base, escaped), nil
}

func joinQuery(base, query string) string {
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}
