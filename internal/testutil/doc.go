// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing model responses and consensus requests.
// These helpers are intentionally minimal. They are not intended for
// production usage.
package testutil
