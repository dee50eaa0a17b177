package arc

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/synqronlabs/mailauth/dkim"
)

// DefaultSignedHeaders is the default list of headers covered by the
// ARC-Message-Signature.
var DefaultSignedHeaders = dkim.DefaultSignedHeaders

// Sealer adds ARC sets to messages.
type Sealer struct {
	// Domain is the sealing domain (d= tag).
	Domain string

	// Selector is the key selector (s= tag).
	Selector string

	// PrivateKey is the sealing key. RSA and Ed25519 keys are supported.
	PrivateKey crypto.Signer

	// Headers is the list of headers the ARC-Message-Signature covers.
	// If empty, DefaultSignedHeaders is used. ARC header fields are
	// never covered regardless of this list.
	Headers []string

	// HeaderCanonicalization is the header canonicalization for the
	// ARC-Message-Signature. Default is relaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization for the
	// ARC-Message-Signature. Default is relaxed.
	BodyCanonicalization Canonicalization

	// Expiration sets the ARC-Message-Signature lifetime (x= tag).
	// Zero means no expiration.
	Expiration time.Duration

	// Clock is used for timestamps. If nil, time.Now is used.
	Clock func() time.Time
}

// SealResult holds the three generated ARC headers for one instance.
// The header strings include the header name but no trailing CRLF, so
// they can be prepended to a message as-is.
type SealResult struct {
	// Instance is the instance number of the new ARC set.
	Instance int

	// Seal is the complete ARC-Seal header.
	Seal string

	// MessageSignature is the complete ARC-Message-Signature header.
	MessageSignature string

	// AuthenticationResults is the complete ARC-Authentication-Results header.
	AuthenticationResults string
}

// Seal generates a new ARC set for a message.
//
// authServID is the authentication service identifier of the sealer,
// authResults the Authentication-Results content to preserve, and
// chainValidation the outcome of verifying any existing chain
// (ChainValidationNone when the message carries no ARC headers yet).
func (s *Sealer) Seal(message []byte, authServID, authResults string, chainValidation ChainValidationStatus) (*SealResult, error) {
	if s.Domain == "" {
		return nil, fmt.Errorf("%w: missing domain", ErrSealFailed)
	}
	if s.Selector == "" {
		return nil, fmt.Errorf("%w: missing selector", ErrSealFailed)
	}
	if s.PrivateKey == nil {
		return nil, fmt.Errorf("%w: missing private key", ErrSealFailed)
	}
	if authServID == "" {
		return nil, fmt.Errorf("%w: missing authserv-id", ErrSealFailed)
	}

	algorithm, err := algorithmForKey(s.PrivateKey)
	if err != nil {
		return nil, err
	}
	hashFunc := algorithm.Hash()

	// Parse the message
	br := bufio.NewReader(bytes.NewReader(message))
	headers, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, fmt.Errorf("parsing headers: %w", err)
	}

	// Determine the new instance number from existing seals
	instance := 1
	for _, h := range headers {
		if h.lkey != "arc-seal" {
			continue
		}
		if seal, _ := ParseSeal(extractHeaderValue(h.raw)); seal != nil && seal.Instance >= instance {
			instance = seal.Instance + 1
		}
	}
	if instance > MaxInstance {
		return nil, fmt.Errorf("%w: chain already has %d sets", ErrSealScope, MaxInstance)
	}

	// The cv= value must agree with the chain state
	if instance == 1 && chainValidation != ChainValidationNone {
		return nil, fmt.Errorf("%w: first instance must have cv=none", ErrChainValidationMismatch)
	}
	if instance > 1 && chainValidation == ChainValidationNone {
		return nil, fmt.Errorf("%w: instance %d cannot have cv=none", ErrChainValidationMismatch, instance)
	}

	now := s.now().Unix()

	// Build ARC-Authentication-Results
	aar := &AuthenticationResults{
		Instance:   instance,
		AuthServID: authServID,
		Results:    authResults,
	}
	aarHeader := aar.Header()

	// Build ARC-Message-Signature
	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}
	signedHeaders = excludeARCHeaders(signedHeaders)

	bodyHash, _, err := dkim.HashBody(hashFunc.New(), bodyCanon, bytes.NewReader(message[bodyOffset:]), -1)
	if err != nil {
		return nil, fmt.Errorf("computing body hash: %w", err)
	}

	ms := &MessageSignature{
		Instance:         instance,
		Version:          1,
		Algorithm:        algorithm,
		BodyHash:         bodyHash,
		Domain:           s.Domain,
		SignedHeaders:    signedHeaders,
		Selector:         s.Selector,
		Canonicalization: string(headerCanon) + "/" + string(bodyCanon),
		Length:           -1,
		Timestamp:        now,
		Expiration:       -1,
	}
	if s.Expiration > 0 {
		ms.Expiration = now + int64(s.Expiration/time.Second)
	}

	msTemplate := ms.Header(false)
	msDataHash, err := computeAMSDataHash(hashFunc.New(), headerCanon, headers, signedHeaders, []byte(msTemplate))
	if err != nil {
		return nil, fmt.Errorf("computing data hash: %w", err)
	}

	ms.Signature, err = signWithKey(s.PrivateKey, hashFunc, msDataHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	msHeader := ms.Header(true)

	// Build ARC-Seal
	seal := &Seal{
		Instance:        instance,
		Version:         1,
		Algorithm:       algorithm,
		Domain:          s.Domain,
		Selector:        s.Selector,
		ChainValidation: chainValidation,
		Timestamp:       now,
	}

	chain, err := s.buildChain(instance, chainValidation, headers, aarHeader, msHeader, seal.Header(false))
	if err != nil {
		return nil, err
	}

	sealDataHash, err := computeSealDataHash(hashFunc.New(), chain)
	if err != nil {
		return nil, fmt.Errorf("computing seal data hash: %w", err)
	}

	seal.Signature, err = signWithKey(s.PrivateKey, hashFunc, sealDataHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	return &SealResult{
		Instance:              instance,
		Seal:                  seal.Header(true),
		MessageSignature:      msHeader,
		AuthenticationResults: aarHeader,
	}, nil
}

// buildChain assembles the headers the new seal covers. For a failed
// chain the seal covers only the sealer's own set; otherwise it covers
// every ARC set of instances 1..n plus the new set, in increasing
// instance order with each set as AAR, AMS, AS (RFC 8617 Section 5.1.1).
func (s *Sealer) buildChain(
	instance int,
	chainValidation ChainValidationStatus,
	headers []headerData,
	aarHeader, msHeader, sealTemplate string,
) ([][]byte, error) {
	if chainValidation == ChainValidationFail {
		return [][]byte{
			[]byte(aarHeader),
			[]byte(msHeader),
			[]byte(sealTemplate),
		}, nil
	}

	aarHeaders := make(map[int][]byte)
	amsHeaders := make(map[int][]byte)
	asHeaders := make(map[int][]byte)

	for _, hdr := range headers {
		switch hdr.lkey {
		case "arc-authentication-results":
			if aar, _ := ParseAuthenticationResults(extractHeaderValue(hdr.raw)); aar != nil {
				aarHeaders[aar.Instance] = hdr.raw
			}
		case "arc-message-signature":
			if ms, _ := ParseMessageSignature(extractHeaderValue(hdr.raw)); ms != nil {
				amsHeaders[ms.Instance] = hdr.raw
			}
		case "arc-seal":
			if seal, _ := ParseSeal(extractHeaderValue(hdr.raw)); seal != nil {
				asHeaders[seal.Instance] = hdr.raw
			}
		}
	}

	chain := make([][]byte, 0, 3*instance)

	for i := 1; i < instance; i++ {
		aar, ok := aarHeaders[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing ARC-Authentication-Results for instance %d", ErrInvalidChain, i)
		}
		ams, ok := amsHeaders[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing ARC-Message-Signature for instance %d", ErrInvalidChain, i)
		}
		as, ok := asHeaders[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing ARC-Seal for instance %d", ErrInvalidChain, i)
		}
		chain = append(chain, aar, ams, as)
	}
	chain = append(chain, []byte(aarHeader), []byte(msHeader), []byte(sealTemplate))

	return chain, nil
}

// now returns the current time.
func (s *Sealer) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// algorithmForKey infers the signing algorithm from the key type.
func algorithmForKey(key crypto.Signer) (dkim.Algorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return dkim.AlgRSASHA256, nil
	case ed25519.PublicKey:
		return dkim.AlgEd25519SHA256, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrAlgorithmUnknown, key)
	}
}

// excludeARCHeaders filters ARC header fields out of a signed-headers
// list. The ARC-Message-Signature must not cover ARC header fields.
func excludeARCHeaders(headers []string) []string {
	filtered := make([]string, 0, len(headers))
	for _, h := range headers {
		if len(h) >= 4 && strings.EqualFold(h[:4], "arc-") {
			continue
		}
		filtered = append(filtered, h)
	}
	return filtered
}

// signWithKey signs a digest with the given private key.
func signWithKey(key crypto.Signer, hash crypto.Hash, data []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, k, hash, data)
	case ed25519.PrivateKey:
		// RFC 8463: pure Ed25519 over the SHA-256 digest
		return k.Sign(rand.Reader, data, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("%w: %T", ErrAlgorithmUnknown, key)
	}
}
