// Package rfc9110 implements the parts of HTTP Semantics (RFC 9110) that a
// caching and content-coding layer needs: list fields, dates, entity tags,
// Accept-Encoding and conditional requests.
//
// Comments starting with § quote the RFC.
package rfc9110
