// Package util provides common utility functions used across the library.
//
// This package contains helper functions for string manipulation and
// formatting that don't fit into domain-specific packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Normalizes URLs for issuer and endpoint comparison
package util
