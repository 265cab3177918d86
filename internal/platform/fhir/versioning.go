package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseETag extracts the numeric resource version from a (possibly weak)
// ETag header value. A bare "*" is not handled here; callers check for the
// wildcard before parsing.
func ParseETag(etag string) (int64, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a resource version.
func FormatETag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}
