package rfc9110

import (
	"net/http"
	"strings"
)

// §  5.6.1.  Lists (#rule ABNF Extension)
// §
// §     A recipient MUST accept empty list elements, ignoring them.

// ListHeader returns the trimmed, non-empty members of all field lines of a list-based field.
func ListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// FieldAbsent reports whether no field line with the given name is present.
func FieldAbsent(header http.Header, field string) bool {
	return len(header.Values(field)) == 0
}
