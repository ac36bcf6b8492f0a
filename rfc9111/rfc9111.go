// Package rfc9111 implements the storage and freshness rules of HTTP Caching
// (RFC 9111) for a shared cache.
//
// Comments starting with § quote the RFC.
package rfc9111
