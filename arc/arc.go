// Package arc implements ARC (Authenticated Received Chain) chain
// validation and sealing per RFC 8617.
//
// ARC allows intermediaries that modify messages in transit (mailing
// lists, forwarders) to preserve authentication results. Each hop adds an
// ARC set: an ARC-Authentication-Results header recording what the hop
// observed, an ARC-Message-Signature covering the message as forwarded,
// and an ARC-Seal covering the whole chain so far.
//
// Verification:
//
//	verifier := &arc.Verifier{Resolver: resolver}
//	result, err := verifier.Verify(ctx, message)
//	if result.Status == arc.StatusPass {
//		// chain is intact back to instance result.OldestPass
//	}
//
// Sealing the next hop:
//
//	sealer := &arc.Sealer{
//		Domain:     "forwarder.example",
//		Selector:   "arc",
//		PrivateKey: key,
//	}
//	headers, err := sealer.Seal(message, "forwarder.example",
//		"dkim=pass header.d=origin.example", arc.ChainStatus(result))
package arc

import (
	"errors"
	"strings"

	"github.com/synqronlabs/mailauth/dkim"
)

// Status represents the result of ARC chain validation per RFC 8617.
type Status string

const (
	// StatusNone indicates no ARC headers are present.
	StatusNone Status = "none"

	// StatusPass indicates all ARC sets validated successfully.
	StatusPass Status = "pass"

	// StatusFail indicates ARC validation failed cryptographically or the
	// chain was marked failed by a prior hop.
	StatusFail Status = "fail"

	// StatusTemperror indicates a transient DNS failure prevented
	// validation.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates the chain is structurally broken and can
	// never validate.
	StatusPermerror Status = "permerror"
)

// ChainValidationStatus represents the chain validation status (cv= tag).
type ChainValidationStatus string

const (
	// ChainValidationNone indicates no prior ARC chain.
	ChainValidationNone ChainValidationStatus = "none"

	// ChainValidationPass indicates the prior ARC chain validated.
	ChainValidationPass ChainValidationStatus = "pass"

	// ChainValidationFail indicates the prior ARC chain failed validation.
	ChainValidationFail ChainValidationStatus = "fail"
)

// MaxInstance is the maximum allowed ARC instance number per RFC 8617.
const MaxInstance = 50

// Common errors for ARC processing.
var (
	// ErrNoARCHeaders indicates no ARC headers were found in the message.
	ErrNoARCHeaders = errors.New("arc: no ARC headers found")

	// ErrInvalidChain indicates the ARC chain is structurally invalid.
	ErrInvalidChain = errors.New("arc: invalid ARC chain structure")

	// ErrMissingSet indicates a required ARC set is missing.
	ErrMissingSet = errors.New("arc: missing ARC set")

	// ErrDuplicateSet indicates duplicate ARC sets with the same instance number.
	ErrDuplicateSet = errors.New("arc: duplicate ARC set instance")

	// ErrGapInChain indicates a gap in the ARC chain instance numbers.
	ErrGapInChain = errors.New("arc: gap in ARC chain instance numbers")

	// ErrInvalidInstance indicates an invalid instance number.
	ErrInvalidInstance = errors.New("arc: invalid instance number")

	// ErrSealFailed indicates sealing or seal verification failed.
	ErrSealFailed = errors.New("arc: seal failed")

	// ErrChainValidationMismatch indicates the cv= tag doesn't match the actual chain state.
	ErrChainValidationMismatch = errors.New("arc: chain validation status mismatch")

	// ErrSyntax indicates a syntax error in an ARC header.
	ErrSyntax = errors.New("arc: syntax error")

	// ErrMissingTag indicates a required tag is missing.
	ErrMissingTag = errors.New("arc: missing required tag")

	// ErrInvalidVersion indicates an invalid version tag.
	ErrInvalidVersion = errors.New("arc: invalid version")

	// ErrAlgorithmUnknown indicates an unknown signing algorithm.
	ErrAlgorithmUnknown = errors.New("arc: unknown algorithm")

	// ErrKeyRevoked indicates the signing key has been revoked.
	ErrKeyRevoked = errors.New("arc: key has been revoked")

	// ErrWeakKey indicates the key is too weak.
	ErrWeakKey = errors.New("arc: key is too weak")

	// ErrExpired indicates the signature has expired.
	ErrExpired = errors.New("arc: signature expired")

	// ErrBodyHashMismatch indicates the body hash doesn't match.
	ErrBodyHashMismatch = errors.New("arc: body hash mismatch")

	// ErrSignatureFailed indicates signature verification failed.
	ErrSignatureFailed = errors.New("arc: signature verification failed")

	// ErrBodyLength indicates the l= limit exceeds the canonical body.
	ErrBodyLength = errors.New("arc: body length limit exceeds canonical body")

	// ErrTLD indicates the domain is a top-level domain.
	ErrTLD = errors.New("arc: domain is a top-level domain")

	// ErrSealScope indicates the sealer cannot extend the chain.
	ErrSealScope = errors.New("arc: chain cannot be extended")
)

// Result represents the result of ARC chain validation.
type Result struct {
	// Status is the overall chain validation status.
	Status Status

	// OldestPass is the instance number of the oldest passing ARC set.
	// This is useful for policy decisions about trusted intermediaries.
	// Zero if no sets passed.
	OldestPass int

	// Sets contains the parsed ARC sets, ordered by instance number.
	// Callers must treat the sets as read-only.
	Sets []*Set

	// Err contains any error that occurred during validation.
	Err error

	// FailedInstance is the instance number where validation failed.
	// Zero if validation passed or no sets were present.
	FailedInstance int

	// FailedReason provides details about why validation failed.
	FailedReason string
}

// SealedBy reports whether any set in a passing chain was sealed by one
// of the given domains, and the oldest instance where that happened.
// Policy engines use this to decide whether an upstream authentication
// result relayed through the chain can be trusted.
func (r *Result) SealedBy(domains []string) (trusted bool, oldestInstance int) {
	if r == nil || r.Status != StatusPass {
		return false, 0
	}

	trustedDomains := make(map[string]bool, len(domains))
	for _, d := range domains {
		trustedDomains[strings.ToLower(d)] = true
	}

	for _, set := range r.Sets {
		if set.Seal != nil && trustedDomains[set.Seal.Domain] {
			if oldestInstance == 0 {
				oldestInstance = set.Instance
			}
			trusted = true
		}
	}

	return trusted, oldestInstance
}

// ChainStatus converts a verification result into the cv= value for the
// next seal. Intermediaries verify the existing chain, then pass the
// result here when sealing their own set.
func ChainStatus(result *Result) ChainValidationStatus {
	if result == nil || result.Status == StatusNone {
		return ChainValidationNone
	}
	if result.Status == StatusPass {
		return ChainValidationPass
	}
	return ChainValidationFail
}

// Canonicalization aliases the DKIM canonicalization type; ARC uses the
// same algorithms.
type Canonicalization = dkim.Canonicalization

const (
	CanonSimple  = dkim.CanonSimple
	CanonRelaxed = dkim.CanonRelaxed
)
