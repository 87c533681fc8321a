// Package server implements the OAuth 2.1 authorization server core:
// the authorization-code grant with PKCE and consent, the
// client-credentials and refresh-token grants, token introspection
// (RFC 7662), token revocation (RFC 7009), and dynamic client
// registration (RFC 7591).
//
// The package is transport-free. Callers decode HTTP (or any other
// transport) into the request structs defined here, call the matching
// Server method, and render the returned response or *oauth.Error. All
// state lives behind the storage interfaces, so the same Server works
// against the in-memory and Redis backends.
//
// Refresh tokens rotate on every use. Each refresh token belongs to a
// family; presenting a rotated token is treated as theft and revokes the
// whole family. Authorization codes are single-use; a second redemption
// revokes every token issued to the user and client pair.
package server
