package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/mailauth/dns"
)

// Verifier provides DKIM signature verification.
type Verifier struct {
	// Resolver is the DNS resolver to use.
	Resolver dns.Resolver

	// IgnoreTestMode ignores the t=y flag in DKIM records.
	// When false (default), signatures from domains in test mode
	// that fail verification return StatusNone instead of StatusFail.
	IgnoreTestMode bool

	// Policy is a function that can reject signatures based on policy.
	// Return an error to reject the signature with StatusPolicy.
	// If nil, all signatures are accepted.
	Policy func(*Signature) error

	// MinRSAKeyBits is the minimum RSA key size to accept.
	// Default is 1024 (per RFC 8301).
	MinRSAKeyBits int

	// CheckATPS enables Authorized Third-Party Signature validation
	// (RFC 6541) for signatures carrying an atps= tag.
	CheckATPS bool

	// FailureReports enables resolution of the signer's reporting address
	// (RFC 6651) for failed signatures that requested reports (r=y).
	FailureReports bool
}

// Verify verifies all DKIM-Signature headers in the message.
// Returns a result for each signature found; signatures are independent and
// one failing never affects another.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	return v.VerifyReader(ctx, bytes.NewReader(message))
}

// VerifyReader verifies all DKIM-Signature headers from a reader.
func (v *Verifier) VerifyReader(ctx context.Context, message io.ReaderAt) ([]Result, error) {
	// Parse headers
	br := bufio.NewReader(&atReader{r: message, offset: 0})
	headers, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}

	var results []Result

	// Find all DKIM-Signature headers
	for _, hdr := range headers {
		if hdr.lkey != "dkim-signature" {
			continue
		}

		// Parse the signature
		sig, verifySig, err := ParseSignature(string(hdr.raw))
		if err != nil {
			results = append(results, Result{
				Status: StatusPermerror,
				Err:    fmt.Errorf("parsing signature: %w", err),
			})
			continue
		}

		// Check signature parameters
		hashFunc, headerCanon, bodyCanon, err := v.checkSignatureParams(sig)
		if err != nil {
			results = append(results, Result{
				Status:    StatusPermerror,
				Signature: sig,
				Err:       err,
			})
			continue
		}

		// Apply policy
		if v.Policy != nil {
			if err := v.Policy(sig); err != nil {
				results = append(results, Result{
					Status:    StatusPolicy,
					Signature: sig,
					Err:       fmt.Errorf("%w: %v", ErrPolicy, err),
				})
				continue
			}
		}

		// Verify the signature
		result := v.verifySignature(
			ctx, sig, hashFunc, headerCanon, bodyCanon,
			headers, verifySig, message, bodyOffset,
		)

		// Resolve the failure reporting address when requested
		if v.FailureReports && sig.ReportRequested && result.Status != StatusPass {
			if report, _, err := FetchReport(ctx, v.Resolver, sig.Domain); err == nil && report.Address != "" {
				result.FailureReportAddr = report.Address + "@" + sig.Domain
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// checkSignatureParams validates signature parameters.
func (v *Verifier) checkSignatureParams(sig *Signature) (crypto.Hash, Canonicalization, Canonicalization, error) {
	// From header must be signed
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return 0, "", "", fmt.Errorf("%w: From header must be signed", ErrFromRequired)
	}

	// Check domain is not a TLD (must have at least 2 labels)
	// This prevents signing as "com" or other top-level domains
	// RFC 6376 Section 3.5 and publicsuffix considerations
	if isTLD(sig.Domain) {
		return 0, "", "", fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	// Algorithm must be one of rsa-sha256, rsa-sha1, ed25519-sha256
	if !sig.Algorithm.Known() {
		return 0, "", "", fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, sig.Algorithm)
	}

	// Parse canonicalization
	headerCanon := sig.HeaderCanon()
	bodyCanon := sig.BodyCanon()

	// Validate canonicalization algorithms
	if headerCanon != CanonSimple && headerCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: header %s", ErrCanonicalizationUnknown, headerCanon)
	}
	if bodyCanon != CanonSimple && bodyCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: body %s", ErrCanonicalizationUnknown, bodyCanon)
	}

	// Check query methods (only dns/txt is supported)
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return 0, "", "", fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
		}
	}

	return sig.Algorithm.Hash(), headerCanon, bodyCanon, nil
}

// verifySignature performs the actual signature verification.
func (v *Verifier) verifySignature(
	ctx context.Context,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon, bodyCanon Canonicalization,
	headers []headerData,
	verifySig []byte,
	message io.ReaderAt,
	bodyOffset int,
) Result {
	// An expired signature fails outright, no DNS needed. Covers both
	// x= in the past and x= before t=.
	if sig.IsExpired() {
		return Result{
			Status:    StatusFail,
			Signature: sig,
			Err:       fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime),
		}
	}

	// Lookup the DKIM record
	record, authentic, err := FetchRecord(ctx, v.Resolver, sig.Selector, sig.Domain)
	if err != nil {
		status := StatusPermerror
		if IsTemporaryError(err) {
			status = StatusTemperror
		}
		return Result{Status: status, Signature: sig, RecordAuthentic: authentic, Err: err}
	}

	// Verify against the record
	status, err := v.verifyWithRecord(
		record, sig, hashFunc, headerCanon, bodyCanon,
		headers, verifySig, message, bodyOffset,
	)

	// Handle test mode
	if !v.IgnoreTestMode && record.IsTesting() && status == StatusFail {
		return Result{Status: StatusNone, Signature: sig, Record: record, RecordAuthentic: authentic}
	}

	result := Result{
		Status:          status,
		Signature:       sig,
		Record:          record,
		RecordAuthentic: authentic,
		Err:             err,
	}

	// Validate third-party delegation for passing signatures
	if v.CheckATPS && status == StatusPass && sig.AtpsDomain != "" {
		ok, err := VerifyATPS(ctx, v.Resolver, sig)
		result.IsATPS = ok
		if err != nil && !dns.IsNotFound(err) && !errors.Is(err, ErrATPSDelegation) {
			result.Err = fmt.Errorf("%w: %v", ErrATPSDelegation, err)
		}
	}

	return result
}

// verifyWithRecord verifies the signature against a DKIM record.
// The body hash is checked first; signature crypto only runs once the body
// hash matches, so a tampered body never reaches the public key operation.
func (v *Verifier) verifyWithRecord(
	record *Record,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon, bodyCanon Canonicalization,
	headers []headerData,
	verifySig []byte,
	message io.ReaderAt,
	bodyOffset int,
) (Status, error) {
	// Check if key is revoked
	if record.PublicKey == nil {
		return StatusPermerror, ErrKeyRevoked
	}

	// Check hash algorithm is allowed
	if !record.HashAllowed(sig.Algorithm.HashName()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.Algorithm.HashName())
	}

	// Check key type matches
	if !strings.EqualFold(record.Key, sig.Algorithm.KeyType()) {
		return StatusPermerror, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.Algorithm.KeyType())
	}

	// Check RSA key size
	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		minBits := v.MinRSAKeyBits
		if minBits == 0 {
			minBits = 1024 // RFC 8301 minimum
		}
		if rsaKey.N.BitLen() < minBits {
			return StatusPermerror, fmt.Errorf("%w: %d bits, minimum %d",
				ErrWeakKey, rsaKey.N.BitLen(), minBits)
		}
	}

	// Check service allowed
	if !record.ServiceAllowed(ServiceEmail) {
		return StatusPermerror, ErrKeyNotForEmail
	}

	// Check strict domain alignment if required
	if record.RequireStrictAlignment() && sig.Identity != "" {
		atIdx := strings.LastIndex(sig.Identity, "@")
		if atIdx >= 0 {
			identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
			if identityDomain != sig.Domain {
				return StatusPermerror, fmt.Errorf("%w: strict alignment required",
					ErrDomainIdentityMismatch)
			}
		}
	}

	// Calculate body hash, honoring the l= limit when present
	bodyReader := &atReader{r: message, offset: int64(bodyOffset)}
	bodyHash, bodyLen, err := computeBodyHash(hashFunc.New(), bodyCanon, bodyReader, sig.Length)
	if err != nil {
		return StatusTemperror, fmt.Errorf("computing body hash: %w", err)
	}

	// A limit past the end of the canonical body covers octets that do
	// not exist; the signature can never be validated.
	if sig.Length > bodyLen {
		return StatusPermerror, fmt.Errorf("%w: l=%d, body is %d", ErrBodyLength, sig.Length, bodyLen)
	}

	// Compare body hashes
	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, fmt.Errorf("%w: expected %x, got %x",
			ErrBodyHashMismatch, sig.BodyHash, bodyHash)
	}

	// Calculate data hash (headers + signature header)
	dataHash, err := computeDataHash(hashFunc.New(), headerCanon, headers, sig.SignedHeaders, verifySig)
	if err != nil {
		return StatusPermerror, fmt.Errorf("computing data hash: %w", err)
	}

	// Verify signature
	if err := verifyWithKey(record.PublicKey, hashFunc, dataHash, sig.Signature); err != nil {
		return StatusFail, fmt.Errorf("%w: %v", ErrSigVerify, err)
	}

	return StatusPass, nil
}

// IsTemporaryError returns true if the error is temporary.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	// Check if it's a DNS temporary error
	if dns.IsTemporary(err) {
		return true
	}
	if errors.Is(err, ErrDNS) {
		// Unwrap to check if the underlying error is temporary
		var unwrapped error = err
		for unwrapped != nil {
			if dns.IsTemporary(unwrapped) {
				return true
			}
			unwrapped = errors.Unwrap(unwrapped)
		}
		// DNS errors are generally temporary unless we get NXDOMAIN
		return true
	}
	return false
}

// Verify is a convenience function to verify DKIM signatures.
func Verify(ctx context.Context, resolver dns.Resolver, message []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// VerifyReader is a convenience function to verify DKIM signatures from a reader.
func VerifyReader(ctx context.Context, resolver dns.Resolver, message io.ReaderAt) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.VerifyReader(ctx, message)
}

// atReader wraps an io.ReaderAt to provide io.Reader.
type atReader struct {
	r      io.ReaderAt
	offset int64
}

func (r *atReader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

// isTLD checks if a domain is at or above the organizational domain level.
// A domain is considered a TLD if it's a public suffix (like "com", "co.uk")
// or doesn't have at least one label below the public suffix.
// Uses the Public Suffix List from publicsuffix.org for accurate detection.
func isTLD(domain string) bool {
	// Empty domain is invalid
	if domain == "" {
		return true
	}

	// Remove trailing dot if present
	domain = strings.TrimSuffix(domain, ".")

	// Use EffectiveTLDPlusOne to check if the domain is at the organizational level
	// If domain equals its eTLD+1, it's at the organizational domain level (acceptable)
	// If EffectiveTLDPlusOne returns an error, the domain is likely a public suffix itself
	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// Domain is a public suffix (TLD) or invalid
		return true
	}

	// If the domain equals its eTLD+1, it's a valid organizational domain
	// If it's shorter than eTLD+1, it's a TLD (shouldn't happen given the above check)
	return !strings.EqualFold(domain, etldPlusOne) && !strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(etldPlusOne))
}
