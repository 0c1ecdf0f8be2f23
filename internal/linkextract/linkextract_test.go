package linkextract

import (
	"testing"
)

func TestExtractHTMLAnchorsAndLinkRel(t *testing.T) {
	t.Parallel()

	body := []byte(`
	<html><head><link rel="canonical" href="/canonical"></head>
	<body>
		<a href="/a">A</a>
		<a href="https://example.com/b">B</a>
		<img src="/img.png">
	</body></html>`)

	got := ExtractHTML(body, Options{})
	var anchors, links, images int
	for _, c := range got {
		switch c.Kind {
		case KindAnchor:
			anchors++
		case KindLinkRel:
			links++
		case KindImage:
			images++
		}
	}
	if anchors != 2 {
		t.Errorf("anchors = %d, want 2", anchors)
	}
	if links != 1 {
		t.Errorf("link rel candidates = %d, want 1", links)
	}
	if images != 0 {
		t.Errorf("images = %d, want 0 without FullResources", images)
	}
}

func TestExtractHTMLFullResourcesIncludesImagesScriptsStylesheets(t *testing.T) {
	t.Parallel()

	body := []byte(`
	<html><head><link rel="stylesheet" href="/style.css"></head>
	<body>
		<img src="/img.png">
		<script src="/app.js"></script>
	</body></html>`)

	got := ExtractHTML(body, Options{FullResources: true})
	kinds := map[ResourceKind]int{}
	for _, c := range got {
		kinds[c.Kind]++
	}
	if kinds[KindImage] != 1 {
		t.Errorf("images = %d, want 1", kinds[KindImage])
	}
	if kinds[KindScript] != 1 {
		t.Errorf("scripts = %d, want 1", kinds[KindScript])
	}
	if kinds[KindStylesheet] != 1 {
		t.Errorf("stylesheets = %d, want 1", kinds[KindStylesheet])
	}
}

func TestExtractHTMLRespectsMaxBytes(t *testing.T) {
	t.Parallel()

	body := []byte(`<a href="/a">A</a><a href="/b">B</a>`)
	got := ExtractHTML(body, Options{MaxBytes: 10})
	if len(got) != 0 {
		t.Errorf("expected truncation before any anchor is parseable, got %d candidates", len(got))
	}
}

func TestExtractSitemapURLSet(t *testing.T) {
	t.Parallel()

	body := []byte(`<?xml version="1.0"?>
	<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
		<url><loc>https://example.com/a</loc></url>
		<url><loc>https://example.com/b</loc></url>
	</urlset>`)

	got, err := ExtractSitemap(body)
	if err != nil {
		t.Fatalf("ExtractSitemap: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].RawURL != "https://example.com/a" || got[1].RawURL != "https://example.com/b" {
		t.Errorf("unexpected candidates: %+v", got)
	}
}

func TestExtractFeedRSSAndAtom(t *testing.T) {
	t.Parallel()

	rss := []byte(`<?xml version="1.0"?>
	<rss><channel><item><link>https://example.com/post1</link></item></channel></rss>`)
	got, err := ExtractFeed(rss)
	if err != nil {
		t.Fatalf("ExtractFeed (rss): %v", err)
	}
	if len(got) != 1 || got[0].RawURL != "https://example.com/post1" {
		t.Errorf("unexpected rss candidates: %+v", got)
	}

	atom := []byte(`<?xml version="1.0"?>
	<feed><entry><link href="https://example.com/post2"/></entry></feed>`)
	got, err = ExtractFeed(atom)
	if err != nil {
		t.Fatalf("ExtractFeed (atom): %v", err)
	}
	if len(got) != 1 || got[0].RawURL != "https://example.com/post2" {
		t.Errorf("unexpected atom candidates: %+v", got)
	}
}

func TestIsXML(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"application/xml":             true,
		"application/rss+xml":         true,
		"application/atom+xml":        true,
		"text/xml; charset=utf-8":     true,
		"text/html; charset=utf-8":    false,
		"application/json":            false,
	}
	for ct, want := range cases {
		if got := IsXML(ct); got != want {
			t.Errorf("IsXML(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestDecodeBodyPassesThroughValidUTF8(t *testing.T) {
	t.Parallel()

	body := []byte("plain ascii text")
	got, err := DecodeBody(body, "text/html; charset=utf-8")
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(got) != "plain ascii text" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeBodyTranscodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	// "café" in ISO-8859-1 / latin1: 'é' is single byte 0xE9.
	latin1 := []byte{'c', 'a', 'f', 0xE9}
	got, err := DecodeBody(latin1, "text/html; charset=iso-8859-1")
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(got) != "café" {
		t.Errorf("got %q, want %q", got, "café")
	}
}
