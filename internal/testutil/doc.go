// Package testutil provides testing utilities and test fixtures shared by
// the storage and server test suites: random token generation, PKCE pairs,
// and prebuilt client records.
package testutil
