// Package dns provides the DNS TXT lookup capability consumed by the dkim
// and arc packages.
//
// DKIM and ARC verification need exactly one thing from DNS: the TXT record
// text published at a query name such as <selector>._domainkey.<domain>.
// The Resolver interface models that single capability, leaving retry
// policy, caching and transport choice to the implementation.
//
// Two implementations are provided: DNSResolver, built on
// github.com/miekg/dns with DNSSEC support, and StdResolver, built on the
// standard library net.Resolver. MockResolver serves tests.
package dns

import (
	"context"
	"errors"
)

// Result contains the records returned by a DNS lookup.
type Result[T any] struct {
	// Records are the values found at the query name.
	Records []T

	// Authentic indicates if the response was DNSSEC-validated.
	Authentic bool
}

// Resolver is the lookup capability required by DKIM and ARC verification.
// Implementations must be safe for concurrent use.
type Resolver interface {
	// LookupTXT retrieves TXT records for the given query name.
	// Multi-string TXT records are joined into a single string.
	LookupTXT(ctx context.Context, name string) (Result[string], error)
}

// DNS lookup errors.
var (
	// ErrDNSNotFound indicates the name does not exist (NXDOMAIN) or
	// carries no records of the requested type.
	ErrDNSNotFound = errors.New("dns: record not found")

	// ErrDNSTimeout indicates the query timed out.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSServFail indicates the server returned SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused indicates the server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSBogus indicates DNSSEC validation failed upstream.
	ErrDNSBogus = errors.New("dns: DNSSEC validation failed")
)

// IsNotFound returns true if the error indicates a missing record.
// Missing records are permanent: retrying will not make them appear.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout returns true if the error indicates a query timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail returns true if the error indicates a server failure.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary returns true if the error is environment-dependent and worth
// retrying: timeouts, SERVFAIL, refused queries and context cancellation.
// NXDOMAIN and DNSSEC-bogus responses are not temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDNSTimeout) ||
		errors.Is(err, ErrDNSServFail) ||
		errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
