// Package dkim implements DomainKeys Identified Mail (DKIM) signatures per
// RFC 6376, together with the Authorized Third-Party Signatures extension
// (RFC 6541) and DKIM failure reporting (RFC 6651).
//
// DKIM allows a sender to associate a domain name with an email message,
// thus vouching for its authenticity. A message is signed by adding a
// DKIM-Signature header, which contains a cryptographic signature of the
// message headers and body.
//
// This implementation supports:
//   - RSA-SHA256 (required by RFC 6376)
//   - RSA-SHA1 (deprecated, but supported for compatibility)
//   - Ed25519-SHA256 (RFC 8463)
//
// # Basic Usage
//
// Signing a message:
//
//	signer := dkim.NewSigner(privateKey).
//	    Domain("example.com").
//	    Selector("selector1").
//	    Headers(dkim.DefaultSignedHeaders...)
//	header, err := signer.Sign(message)
//
// Verifying a message:
//
//	results, err := dkim.Verify(ctx, resolver, message)
//	for _, r := range results {
//	    if r.Status == dkim.StatusPass {
//	        // Signature verified
//	    }
//	}
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"time"
)

// Status represents the result of DKIM verification per RFC 8601.
type Status string

const (
	// StatusNone indicates the message was not signed, or the signing
	// domain is in test mode and the failure is not held against it.
	StatusNone Status = "none"

	// StatusPass indicates the signature was verified successfully.
	StatusPass Status = "pass"

	// StatusFail indicates the signature is well-formed but verification
	// failed: body hash mismatch, bad signature, or expired signature.
	StatusFail Status = "fail"

	// StatusPolicy indicates the signature is not accepted by policy.
	StatusPolicy Status = "policy"

	// StatusNeutral indicates the signature could not be processed.
	StatusNeutral Status = "neutral"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	// The caller owns retry policy.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid syntax,
	// revoked key). Retrying will never succeed.
	StatusPermerror Status = "permerror"
)

// Algorithm represents a DKIM signing algorithm. The set is closed: unknown
// algorithm tags are rejected at parse time, never at use time.
type Algorithm string

const (
	// AlgRSASHA256 is the RSA-SHA256 algorithm (required by RFC 6376).
	AlgRSASHA256 Algorithm = "rsa-sha256"

	// AlgRSASHA1 is the deprecated RSA-SHA1 algorithm.
	AlgRSASHA1 Algorithm = "rsa-sha1"

	// AlgEd25519SHA256 is the Ed25519-SHA256 algorithm (RFC 8463).
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"
)

// Known returns true if the algorithm is one of the supported set.
func (a Algorithm) Known() bool {
	switch a {
	case AlgRSASHA256, AlgRSASHA1, AlgEd25519SHA256:
		return true
	}
	return false
}

// Hash returns the hash function for the algorithm. The mapping is fixed:
// rsa-sha1 uses SHA-1, rsa-sha256 and ed25519-sha256 use SHA-256.
func (a Algorithm) Hash() crypto.Hash {
	if a == AlgRSASHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// KeyType returns the key family part (e.g., "rsa" from "rsa-sha256").
func (a Algorithm) KeyType() string {
	switch a {
	case AlgRSASHA256, AlgRSASHA1:
		return "rsa"
	case AlgEd25519SHA256:
		return "ed25519"
	}
	return ""
}

// HashName returns the hash algorithm part (e.g., "sha256").
func (a Algorithm) HashName() string {
	if a == AlgRSASHA1 {
		return "sha1"
	}
	return "sha256"
}

// Canonicalization represents header/body canonicalization algorithms.
type Canonicalization string

const (
	// CanonSimple uses the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed uses the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

// Common errors.
var (
	// DNS lookup errors.
	ErrNoRecord        = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in DKIM record")

	// Signature verification errors.
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrKeyNotForEmail          = errors.New("dkim: DNS record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrFromRequired            = errors.New("dkim: From header is required")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrTLD                     = errors.New("dkim: signed domain is top-level domain")
	ErrBodyHashLength          = errors.New("dkim: body hash length mismatch")
	ErrBodyLength              = errors.New("dkim: body length limit exceeds canonical body")
	ErrATPSDelegation          = errors.New("dkim: third-party signature not authorized")
)

// Result represents the result of verifying a single DKIM-Signature.
type Result struct {
	// Status is the verification result.
	Status Status

	// Signature is the parsed DKIM-Signature header. It is owned by the
	// verification call that produced this result; callers must not
	// retain it past the life of the parsed header set.
	Signature *Signature

	// Record is the parsed DKIM DNS record.
	Record *Record

	// RecordAuthentic indicates if the DNS record was DNSSEC-validated.
	RecordAuthentic bool

	// FailureReportAddr is the address failure reports should be sent to,
	// resolved from the signer's reporting record when the signature
	// requested reports (r=y) and verification did not pass.
	FailureReportAddr string

	// IsATPS indicates the signature validated through an authorized
	// third-party signature delegation (RFC 6541) rather than primary DKIM.
	IsATPS bool

	// Err contains any error that occurred during verification.
	Err error
}

// DefaultSignedHeaders is the default list of headers to sign.
// These headers are commonly signed for message integrity.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// MinimumSignedHeaders is the minimum set of headers that should be signed.
var MinimumSignedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
}

// timeNow is used for testing.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// signWithKey signs data with the given private key.
func signWithKey(key crypto.Signer, hash crypto.Hash, data []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, data, hash)
	case ed25519.PrivateKey:
		// Ed25519 uses PureEdDSA, not pre-hashed data
		return k.Sign(cryptoRand, data, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

// verifyWithKey verifies a signature with the given public key.
func verifyWithKey(key any, hash crypto.Hash, data, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, hash, data, signature)
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
