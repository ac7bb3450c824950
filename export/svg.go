package export

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// refAttrs are the SVG/HTML attributes that can trigger a fetch when the
// document is placed into the page.
var refAttrs = map[string]bool{
	"href":       true,
	"xlink:href": true,
	"src":        true,
}

// auditSVG rejects SVG input that references private-range or local
// targets. The page renders with a live network stack; SVG from an
// untrusted caller must not become a proxy into it. Runs before a worker
// is acquired.
func auditSVG(svg string) error {
	doc, err := html.Parse(strings.NewReader(svg))
	if err != nil {
		return &InvalidInputError{Reason: fmt.Sprintf("unparsable svg input: %v", err)}
	}

	var walk func(*html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				key := attr.Key
				if attr.Namespace != "" {
					key = attr.Namespace + ":" + attr.Key
				}
				if !refAttrs[key] {
					continue
				}
				if reason := refuseRef(attr.Val); reason != "" {
					return &InvalidInputError{Reason: reason}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(doc)
}

// refuseRef returns a non-empty reason when the reference must not be
// fetched from inside the browser. Fragment references and data URIs are
// always fine.
func refuseRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "data:") {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Sprintf("svg reference %q is not a valid URL", ref)
	}

	switch u.Scheme {
	case "file":
		return fmt.Sprintf("svg reference %q uses the file scheme", ref)
	case "http", "https":
	default:
		// Relative references resolve against about:blank and fetch nothing.
		return ""
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Sprintf("svg reference %q targets localhost", ref)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Sprintf("svg reference %q targets a private address", ref)
		}
	}
	return ""
}
