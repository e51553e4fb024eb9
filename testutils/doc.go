// Package testutils provides helpers shared across test suites.
//
// Key components:
//   - SetupTestDatabase: connects to a disposable PostgreSQL database
//   - BuildMessage: renders a minimal RFC 5322 message with Autocrypt headers
//
// Example usage:
//
//	import "github.com/migadu/autocrypt/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		td := testutils.SetupTestDatabase(t)
//		defer td.Cleanup(t)
//		// Use td.Database in your tests...
//	}
package testutils
