package linkextract

import (
	"bytes"

	"github.com/antchfx/xmlquery"
)

// ExtractSitemap parses a sitemap XML body (urlset or sitemapindex) and
// returns every <loc> entry as a candidate.
func ExtractSitemap(body []byte) ([]Candidate, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, loc := range xmlquery.Find(doc, "//loc") {
		text := loc.InnerText()
		if text == "" {
			continue
		}
		out = append(out, Candidate{RawURL: text, Kind: KindLinkRel})
	}
	return out, nil
}

// ExtractFeed parses an RSS 2.0 or Atom feed body and returns each entry's
// link as a candidate.
func ExtractFeed(body []byte) ([]Candidate, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []Candidate
	// RSS 2.0: <item><link>...</link></item>
	for _, link := range xmlquery.Find(doc, "//item/link") {
		if text := link.InnerText(); text != "" {
			out = append(out, Candidate{RawURL: text, Kind: KindLinkRel})
		}
	}
	// Atom: <entry><link href="..."/></entry>
	for _, link := range xmlquery.Find(doc, "//entry/link") {
		if href := link.SelectAttr("href"); href != "" {
			out = append(out, Candidate{RawURL: href, Kind: KindLinkRel})
		}
	}
	return out, nil
}

// IsXML reports whether a Content-Type header value indicates XML content
// (sitemap or feed), the dispatch point between ExtractHTML and the XML
// handlers.
func IsXML(contentType string) bool {
	for _, marker := range []string{"xml", "rss", "atom"} {
		if containsFold(contentType, marker) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), []byte(substr))
}
