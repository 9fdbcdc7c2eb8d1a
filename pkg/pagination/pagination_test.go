package pagination

import (
	"net/url"
	"testing"
)

func linkMap(links []Link) map[string]string {
	m := make(map[string]string, len(links))
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestSearchLinks_FirstPage(t *testing.T) {
	links := SearchLinks("/Patient", url.Values{"name": {"smith"}}, 0, 10, 25)
	m := linkMap(links)

	if _, ok := m["self"]; !ok {
		t.Error("expected 'self' link")
	}
	if _, ok := m["next"]; !ok {
		t.Error("expected 'next' link")
	}
	if _, ok := m["previous"]; ok {
		t.Error("did not expect 'previous' link on first page")
	}

	self, err := url.Parse(m["self"])
	if err != nil {
		t.Fatalf("self link not a valid URL: %v", err)
	}
	if self.Query().Get("name") != "smith" {
		t.Error("expected search filter to be preserved in self link")
	}
	if self.Query().Get("_page_offset") != "0" || self.Query().Get("_count") != "10" {
		t.Errorf("unexpected self link paging params: %s", m["self"])
	}

	next, _ := url.Parse(m["next"])
	if next.Query().Get("_page_offset") != "10" {
		t.Errorf("expected next _page_offset=10, got %s", m["next"])
	}
}

func TestSearchLinks_MiddlePage(t *testing.T) {
	links := SearchLinks("/Patient", url.Values{}, 10, 10, 25)
	m := linkMap(links)

	if _, ok := m["previous"]; !ok {
		t.Error("expected 'previous' link")
	}
	prev, _ := url.Parse(m["previous"])
	if prev.Query().Get("_page_offset") != "0" {
		t.Errorf("expected previous _page_offset=0, got %s", m["previous"])
	}
}

func TestSearchLinks_LastPage(t *testing.T) {
	links := SearchLinks("/Patient", url.Values{}, 20, 10, 25)
	m := linkMap(links)

	if _, ok := m["next"]; ok {
		t.Error("did not expect 'next' link on last page")
	}
	if _, ok := m["previous"]; !ok {
		t.Error("expected 'previous' link")
	}
}

func TestSearchLinks_NoResults(t *testing.T) {
	links := SearchLinks("/Patient", url.Values{}, 0, 10, 0)
	if len(links) != 1 {
		t.Fatalf("expected 1 link (self only), got %d", len(links))
	}
	if links[0].Relation != "self" {
		t.Errorf("expected 'self', got %q", links[0].Relation)
	}
}

func TestSearchLinks_UnboundedCountNoNext(t *testing.T) {
	links := SearchLinks("/Patient", url.Values{}, 0, 0, 25)
	m := linkMap(links)
	if _, ok := m["next"]; ok {
		t.Error("did not expect 'next' link when count is unbounded (0)")
	}
}

func TestSearchLinks_StripsExistingPagingParams(t *testing.T) {
	query := url.Values{"_page_offset": {"999"}, "_count": {"999"}, "status": {"active"}}
	links := SearchLinks("/Patient", query, 0, 10, 25)
	self, _ := url.Parse(linkMap(links)["self"])
	if self.Query().Get("_page_offset") != "0" {
		t.Errorf("expected request's stale _page_offset overridden, got %s", self.Query().Get("_page_offset"))
	}
	if self.Query().Get("status") != "active" {
		t.Error("expected unrelated search filter preserved")
	}
}
