package store

import "testing"

func TestExtractURL(t *testing.T) {
	if got := extractURL(map[string]interface{}{"url": "http://example.org/sp/patient-name"}); got != "http://example.org/sp/patient-name" {
		t.Fatalf("expected url to be extracted, got %v", got)
	}
	if got := extractURL(map[string]interface{}{}); got != nil {
		t.Fatalf("expected nil url for body without one, got %v", got)
	}
}

func TestExtractMetaSourceAndTags(t *testing.T) {
	body := map[string]interface{}{
		"meta": map[string]interface{}{
			"source": "urn:ehr:import",
			"tag": []interface{}{
				map[string]interface{}{"system": "http://example.org", "code": "demo"},
			},
		},
	}
	source, tags := extractMetaSourceAndTags(body)
	if source != "urn:ehr:import" {
		t.Fatalf("expected source extracted, got %v", source)
	}
	if len(tags) == 0 {
		t.Fatal("expected tags JSON to be non-empty")
	}
}

func TestExtractMetaSourceAndTagsNoMeta(t *testing.T) {
	source, tags := extractMetaSourceAndTags(map[string]interface{}{})
	if source != nil || tags != nil {
		t.Fatalf("expected nil source/tags without meta, got %v %v", source, tags)
	}
}
