package fhirmodel

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatETag creates a weak ETag from a version number, e.g. `W/"3"`.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from an ETag value such as
// `W/"3"` or `"3"`.
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("etag must contain a numeric version: %q", etag)
	}
	return v, nil
}

// Location renders the FHIR history location path for a resource version.
func Location(resourceType, id string, version int) string {
	return fmt.Sprintf("%s/%s/_history/%d", resourceType, id, version)
}
