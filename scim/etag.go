package scim

import (
	"fmt"
	"net/http"
	"strings"
)

// ETag formats the weak entity tag for a resource version. The identical
// literal is used for the ETag header and the meta.version field.
func ETag(version int64) string {
	return fmt.Sprintf(`W/"v%d"`, version)
}

// SetETag stamps the current version on a response.
func SetETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", ETag(version))
}

// CheckIfMatch enforces an If-Match precondition against the stored
// version. A missing header passes. A mismatch fails with 412 mutability;
// callers check this before producing any side effect.
func CheckIfMatch(r *http.Request, version int64) error {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		return nil
	}
	if matchesETag(ifMatch, ETag(version)) {
		return nil
	}
	return ErrMutability(fmt.Sprintf("If-Match precondition failed: resource is at version %s", ETag(version)))
}

// NotModified reports whether an If-None-Match header names the stored
// version, in which case a GET answers 304 with no body.
func NotModified(r *http.Request, version int64) bool {
	inm := r.Header.Get("If-None-Match")
	return inm != "" && matchesETag(inm, ETag(version))
}

// matchesETag checks a conditional header value against the current tag.
// It handles the * wildcard and comma-separated candidate lists; weak and
// strong forms of the same tag compare equal.
func matchesETag(headerValue, currentETag string) bool {
	if strings.TrimSpace(headerValue) == "*" {
		return currentETag != ""
	}

	opaque := strings.TrimPrefix(currentETag, "W/")
	tags := strings.SplitSeq(headerValue, ",")
	for tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == currentETag || strings.TrimPrefix(tag, "W/") == opaque {
			return true
		}
	}

	return false
}
