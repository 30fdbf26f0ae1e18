package transport

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
)

// ErrEncodingExhausted is returned when no candidate encoding decodes the
// input cleanly. It signals an unanticipated site encoding and is never retried.
var ErrEncodingExhausted = errors.New("no candidate encoding decodes input")

// Canonical encoding names, as reported by htmlindex.
const (
	UTF8      = "utf-8"
	EUCJP     = "euc-jp"
	ShiftJIS  = "shift_jis"
	Latin1    = "windows-1252"
	sniffSize = 4096
)

// IdentifierCandidates is the fallback chain tried after the site encoding when
// decoding percent-escaped identifiers.
var IdentifierCandidates = []string{EUCJP, UTF8, ShiftJIS}

// aliases maps labels that htmlindex does not know onto the closest codec.
var aliases = map[string]string{
	"euc_jisx0213":   EUCJP,
	"euc-jisx0213":   EUCJP,
	"euc_jis_2004":   EUCJP,
	"euc_jp":         EUCJP,
	"cp932":          ShiftJIS,
	"ms932":          ShiftJIS,
	"shift_jisx0213": ShiftJIS,
	"sjis":           ShiftJIS,
	"iso-8859-1":     Latin1,
	"latin1":         Latin1,
	"ascii":          UTF8,
	"us-ascii":       UTF8,
}

var metaCharset = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([A-Za-z0-9_.:-]+)`)

func lookup(label string) (encoding.Encoding, string, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return nil, "", false
	}
	if alias, ok := aliases[l]; ok {
		l = alias
	}
	enc, err := htmlindex.Get(l)
	if err != nil {
		enc, err = htmlindex.Get(strings.ReplaceAll(l, "_", "-"))
		if err != nil {
			return nil, "", false
		}
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return nil, "", false
	}
	return enc, name, true
}

// Canonical returns the canonical name for label, or "" when it is unknown.
func Canonical(label string) string {
	_, name, ok := lookup(label)
	if !ok {
		return ""
	}
	return name
}

// DecodeStrict decodes b with the named encoding and fails on any invalid
// sequence instead of substituting replacement characters.
func DecodeStrict(b []byte, label string) (string, error) {
	enc, name, ok := lookup(label)
	if !ok {
		return "", fmt.Errorf("unknown encoding %q", label)
	}
	if name == UTF8 {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("invalid %s input", name)
		}
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", fmt.Errorf("invalid %s input", name)
	}
	return string(out), nil
}

// DecodeFirst tries candidates in order and returns the first clean decode
// together with the canonical name of the encoding that produced it.
func DecodeFirst(b []byte, candidates []string) (string, string, error) {
	tried := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		name := Canonical(c)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tried = append(tried, name)
		if s, err := DecodeStrict(b, name); err == nil {
			return s, name, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q tried %v", ErrEncodingExhausted, b, tried)
}

// EncodeString transcodes s into the named encoding. Runes the encoding cannot
// represent are an error.
func EncodeString(s, label string) ([]byte, error) {
	enc, name, ok := lookup(label)
	if !ok {
		return nil, fmt.Errorf("unknown encoding %q", label)
	}
	if name == UTF8 {
		return []byte(s), nil
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return out, nil
}

// DecodeQuery splits a raw query string and decodes every value with the
// first candidate encoding that decodes all of them. Keys are assumed ASCII.
func DecodeQuery(rawQuery string, candidates []string) (map[string]string, string, error) {
	raw := make(map[string][]byte)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, "", fmt.Errorf("unescape key %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, "", fmt.Errorf("unescape %s: %w", key, err)
		}
		if _, dup := raw[key]; !dup {
			raw[key] = []byte(val)
		}
	}
	var all []byte
	for _, v := range raw {
		all = append(all, v...)
		all = append(all, '&')
	}
	_, name, err := DecodeFirst(all, candidates)
	if err != nil {
		return nil, "", err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := DecodeStrict(v, name)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", k, err)
		}
		out[k] = s
	}
	return out, name, nil
}

// DeclaredEncoding returns the charset named by the Content-Type header, a
// byte order mark, or a <meta> tag, in that order.
func DeclaredEncoding(raw []byte, contentType string) string {
	if _, name, certain := charset.DetermineEncoding(raw, contentType); certain {
		return Canonical(name)
	}
	head := raw
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	if m := metaCharset.FindSubmatch(head); m != nil {
		return Canonical(string(m[1]))
	}
	return ""
}

func headerEncoding(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return Canonical(params["charset"])
}

// SniffEncoding guesses the encoding of raw statistically.
func SniffEncoding(raw []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || res == nil {
		return ""
	}
	return Canonical(res.Charset)
}

// DecodeDocument turns an HTML response body into text. When the server header
// or the sniffer claims EUC-JP, a lenient EUC-JP decoder is used so that
// JIS X 0213 extensions degrade to replacement characters instead of failing.
// Otherwise the candidates are the declared encoding, EUC-JP, UTF-8, and
// finally windows-1252, which accepts any byte sequence.
func DecodeDocument(raw []byte, contentType string) (string, string, error) {
	header := headerEncoding(contentType)
	sniffed := SniffEncoding(raw)
	if header == EUCJP || sniffed == EUCJP {
		out, err := japanese.EUCJP.NewDecoder().Bytes(raw)
		if err != nil {
			return "", "", fmt.Errorf("decode %s: %w", EUCJP, err)
		}
		return string(out), EUCJP, nil
	}
	text, name, err := DecodeFirst(raw, []string{DeclaredEncoding(raw, contentType), EUCJP, UTF8})
	if err == nil {
		return text, name, nil
	}
	enc, _, _ := lookup(Latin1)
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: document (%v)", ErrEncodingExhausted, err)
	}
	return string(out), Latin1, nil
}
