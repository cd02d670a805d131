package resolver

import (
	"strings"

	"github.com/grafana/regexp"
	"golang.org/x/net/html"
)

// Extraction helpers over the landing page markup. The resolver only
// depends on these three narrow operations, not on the parser itself.

// streamURLPattern matches an absolute (or protocol-relative) URL ending in
// a playlist extension, the last-resort way of locating the stream URL when
// the page carries no recognizable player element.
var streamURLPattern = regexp.MustCompile(`(?:https?:)?//[^\s"'<>\\]+?\.m3u8[^\s"'<>\\]*`)

// extractInputValue returns the value attribute of the first <input> whose
// id or name matches field, or "" when no such element exists. Parse errors
// on broken markup are treated as "not found"; real-world landing pages are
// rarely well formed.
func extractInputValue(page, field string) string {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}

	var value string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "input" {
			var id, name, val string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "id":
					id = attr.Val
				case "name":
					name = attr.Val
				case "value":
					val = attr.Val
				}
			}
			if (id == field || name == field) && val != "" {
				value = val
				return true
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	walk(root)
	return value
}

// extractIframeSrc returns the src of the first iframe on the page, or "".
func extractIframeSrc(page string) string {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}

	var src string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "iframe" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && attr.Val != "" {
					src = attr.Val
					return true
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	walk(root)
	return src
}

// extractPattern returns the first playlist URL embedded anywhere in text
// (script bodies, attributes, JSON blobs), or "".
func extractPattern(text string) string {
	return streamURLPattern.FindString(text)
}
