package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"
)

// NewSigner starts building a Signer for the given private key. The signing
// algorithm is inferred from the key type: rsa-sha256 for *rsa.PrivateKey and
// ed25519-sha256 for ed25519.PrivateKey. The builder stages require domain,
// selector, and signed headers to be provided, in that order, before a
// usable Signer exists:
//
//	signer := dkim.NewSigner(key).
//		Domain("example.com").
//		Selector("default").
//		Headers("From", "To", "Subject", "Date")
func NewSigner(key crypto.Signer) *SignerNeedsDomain {
	b := &SignerNeedsDomain{key: key}
	switch key.(type) {
	case *rsa.PrivateKey:
		b.algorithm = AlgRSASHA256
	case ed25519.PrivateKey:
		b.algorithm = AlgEd25519SHA256
	default:
		b.err = fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
	return b
}

// NewSignerWithAlgorithm starts building a Signer with an explicit algorithm,
// for callers that need rsa-sha1 compatibility signing. The algorithm must
// match the key type.
func NewSignerWithAlgorithm(key crypto.Signer, algorithm Algorithm) *SignerNeedsDomain {
	b := &SignerNeedsDomain{key: key, algorithm: algorithm}
	if !algorithm.Known() {
		b.err = fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, algorithm)
		return b
	}
	switch key.(type) {
	case *rsa.PrivateKey:
		if algorithm.KeyType() != "rsa" {
			b.err = fmt.Errorf("%w: %s with RSA key", ErrSigAlgMismatch, algorithm)
		}
	case ed25519.PrivateKey:
		if algorithm.KeyType() != "ed25519" {
			b.err = fmt.Errorf("%w: %s with Ed25519 key", ErrSigAlgMismatch, algorithm)
		}
	default:
		b.err = fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
	return b
}

// SignerNeedsDomain is a Signer builder that is still missing its signing
// domain. Errors detected during construction are carried through the
// remaining stages and reported by Sign.
type SignerNeedsDomain struct {
	key       crypto.Signer
	algorithm Algorithm
	err       error
}

// Domain sets the signing domain (d= tag).
func (b *SignerNeedsDomain) Domain(domain string) *SignerNeedsSelector {
	return &SignerNeedsSelector{key: b.key, algorithm: b.algorithm, domain: domain, err: b.err}
}

// SignerNeedsSelector is a Signer builder that is still missing its selector.
type SignerNeedsSelector struct {
	key       crypto.Signer
	algorithm Algorithm
	domain    string
	err       error
}

// Selector sets the selector for the signing key (s= tag).
func (b *SignerNeedsSelector) Selector(selector string) *SignerNeedsHeaders {
	return &SignerNeedsHeaders{
		key:       b.key,
		algorithm: b.algorithm,
		domain:    b.domain,
		selector:  selector,
		err:       b.err,
	}
}

// SignerNeedsHeaders is a Signer builder that is still missing the list of
// headers to sign.
type SignerNeedsHeaders struct {
	key       crypto.Signer
	algorithm Algorithm
	domain    string
	selector  string
	err       error
}

// Headers sets the list of headers to sign (h= tag) and completes the
// builder. If no headers are given, DefaultSignedHeaders is used. From is
// always included.
func (b *SignerNeedsHeaders) Headers(headers ...string) *Signer {
	return &Signer{
		key:         b.key,
		algorithm:   b.algorithm,
		domain:      b.domain,
		selector:    b.selector,
		headers:     headers,
		headerCanon: CanonRelaxed,
		bodyCanon:   CanonRelaxed,
		err:         b.err,
	}
}

// DefaultHeaders is shorthand for Headers(DefaultSignedHeaders...).
func (b *SignerNeedsHeaders) DefaultHeaders() *Signer {
	return b.Headers(DefaultSignedHeaders...)
}

// Signer provides DKIM message signing. Signers are built with NewSigner
// and are safe for concurrent use once built.
type Signer struct {
	key       crypto.Signer
	algorithm Algorithm
	domain    string
	selector  string
	headers   []string

	headerCanon Canonicalization
	bodyCanon   Canonicalization

	identity   string
	expiration time.Duration
	bodyLength bool
	reporting  bool
	oversign   bool
	atpsDomain string
	atpsHash   string

	err error
}

// Canonicalization sets the header and body canonicalization algorithms
// (c= tag). The default is relaxed/relaxed.
func (s *Signer) Canonicalization(header, body Canonicalization) *Signer {
	s.headerCanon = header
	s.bodyCanon = body
	return s
}

// Identity sets the agent or user identifier (i= tag). The identity domain
// must equal the signing domain or be a subdomain of it.
func (s *Signer) Identity(identity string) *Signer {
	s.identity = identity
	return s
}

// Expiration sets the signature validity period (x= tag). Zero means the
// signature never expires.
func (s *Signer) Expiration(d time.Duration) *Signer {
	s.expiration = d
	return s
}

// BodyLength includes the canonical body length in the signature (l= tag).
// Body length limits allow content to be appended without breaking the
// signature and are discouraged for security.
func (s *Signer) BodyLength(enabled bool) *Signer {
	s.bodyLength = enabled
	return s
}

// RequestReports asks verifiers to send failure reports (r=y tag, RFC 6651).
// The signing domain should publish a _report._domainkey record.
func (s *Signer) RequestReports(enabled bool) *Signer {
	s.reporting = enabled
	return s
}

// Oversign causes each signed header name to be listed one more time than
// it appears in the message, which prevents headers with the same name from
// being added later.
func (s *Signer) Oversign(enabled bool) *Signer {
	s.oversign = enabled
	return s
}

// ATPS marks the signature as a third-party signature authorized by the
// given domain (atps= and atpsh= tags, RFC 6541). The hash algorithm is
// used to derive the ATPS DNS label; "sha256" is the only interoperable
// choice.
func (s *Signer) ATPS(domain, hash string) *Signer {
	s.atpsDomain = domain
	s.atpsHash = hash
	return s
}
