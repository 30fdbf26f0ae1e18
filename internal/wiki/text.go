package wiki

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// DisabledMarker is printed by PukiWiki when a plugin or action is turned off.
const DisabledMarker = "Action disabled"

// NodeText concatenates the text below n. Subtrees for which skip returns true
// are left out. A nil skip keeps everything.
func NodeText(n *html.Node, skip func(*html.Node) bool) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		if skip != nil && skip(cur) {
			return
		}
		if cur.Type == html.TextNode {
			sb.WriteString(cur.Data)
			return
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// HasClass reports whether element n carries class name.
func HasClass(n *html.Node, name string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "class" && slices.Contains(strings.Fields(a.Val), name) {
			return true
		}
	}
	return false
}
