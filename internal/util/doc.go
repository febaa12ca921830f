// Package util provides common utility functions used across the library.
//
// This package contains helper functions for string manipulation, formatting,
// and other shared operations that don't fit into domain-specific packages.
// These utilities are used internally by multiple packages to avoid code duplication
// and maintain consistent behavior across the codebase.
//
// Key utilities:
//   - SafeTruncate: safely truncates strings for logging sensitive data
//   - NormalizeURL: trailing-slash normalization for issuer and endpoint comparison
//   - ClassifyIP: IP classification for SSRF protection in redirect URI validation
package util
