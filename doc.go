// Package oauth defines the wire-level types and protocol errors shared by
// the authorization server core in the server package and its callers.
//
// The package deliberately contains no logic: token responses, introspection
// responses, registration documents, and the RFC 6749 error type live here so
// that transport layers can render them without importing the server package.
package oauth
