package dkim

import (
	"bytes"
	"fmt"
	"strings"
)

// Sign signs the message and returns the DKIM-Signature header.
// The message should be the complete RFC 5322 message (headers + body).
func (s *Signer) Sign(message []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}

	// Parse headers
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}

	return s.signParsed(headers, message[bodyOffset:], make(map[bodyHashKey]bodyHashEntry))
}

// checkSingleFrom verifies exactly one From header exists (RFC 6376).
func checkSingleFrom(headers []headerData) error {
	fromCount := 0
	for _, h := range headers {
		if h.lkey == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return ErrFromRequired
	}
	if fromCount > 1 {
		return fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}
	return nil
}

// bodyHashKey caches body hashes by canonicalization and hash algorithm.
type bodyHashKey struct {
	canon Canonicalization
	hash  string
}

type bodyHashEntry struct {
	digest []byte
	length int64
}

// signParsed builds and signs a DKIM-Signature over already-parsed headers.
func (s *Signer) signParsed(headers []headerData, body []byte, bodyHashes map[bodyHashKey]bodyHashEntry) (string, error) {
	sig := NewSignature()
	sig.Domain = s.domain
	sig.Selector = s.selector
	sig.Algorithm = s.algorithm
	sig.Canonicalization = string(s.headerCanon) + "/" + string(s.bodyCanon)

	// Set signed headers
	signedHeaders := s.headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}

	// Ensure "from" is included
	hasFromInSigned := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFromInSigned = true
			break
		}
	}
	if !hasFromInSigned {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	// Filter to only headers present in the message
	presentHeaders := make(map[string]int)
	for _, h := range headers {
		presentHeaders[h.lkey]++
	}

	var finalSignedHeaders []string
	for _, h := range signedHeaders {
		if presentHeaders[strings.ToLower(h)] > 0 {
			finalSignedHeaders = append(finalSignedHeaders, h)
		}
	}

	// Oversign headers (add each header name one more time to prevent additions)
	if s.oversign {
		headerCounts := make(map[string]int)
		for _, h := range finalSignedHeaders {
			headerCounts[strings.ToLower(h)]++
		}
		for _, h := range finalSignedHeaders {
			lh := strings.ToLower(h)
			count := presentHeaders[lh]
			for headerCounts[lh] < count+1 {
				finalSignedHeaders = append(finalSignedHeaders, h)
				headerCounts[lh]++
			}
		}
	}

	sig.SignedHeaders = finalSignedHeaders

	if s.identity != "" {
		sig.Identity = s.identity
	}

	// Set timestamp and expiration
	sig.SignTime = timeNow().Unix()
	if s.expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.expiration.Seconds())
	}

	// Reporting and ATPS tags
	sig.ReportRequested = s.reporting
	if s.atpsDomain != "" {
		sig.AtpsDomain = strings.ToLower(s.atpsDomain)
		sig.AtpsHash = s.atpsHash
	}

	if !s.algorithm.Known() {
		return "", fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, s.algorithm)
	}
	hash := s.algorithm.Hash()

	// Calculate body hash (cached across signers sharing canonicalization)
	hk := bodyHashKey{canon: s.bodyCanon, hash: s.algorithm.HashName()}
	entry, ok := bodyHashes[hk]
	if !ok {
		digest, length, err := computeBodyHash(hash.New(), s.bodyCanon, bytes.NewReader(body), -1)
		if err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		entry = bodyHashEntry{digest: digest, length: length}
		bodyHashes[hk] = entry
	}
	sig.BodyHash = entry.digest
	if s.bodyLength {
		sig.Length = entry.length
	}

	// Generate signature header without the actual signature
	sigHeader, err := sig.Header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}

	// Calculate data hash (headers + signature header)
	dataHash, err := computeDataHash(hash.New(), s.headerCanon, headers, finalSignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	// Sign the hash
	signature, err := signWithKey(s.key, hash, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	// Generate final signature header
	finalHeader, err := sig.Header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}

	return finalHeader + "\r\n", nil
}

// SignMultiple signs the message with multiple signers.
// Returns the DKIM-Signature headers concatenated. Body hashes are cached
// across signers that share a canonicalization and hash algorithm.
func SignMultiple(message []byte, signers []*Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	// Parse message once for all signers
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}

	body := message[bodyOffset:]
	bodyHashes := make(map[bodyHashKey]bodyHashEntry)

	var result strings.Builder
	for i, s := range signers {
		if s.err != nil {
			return "", fmt.Errorf("signer %d: %w", i, s.err)
		}
		sig, err := s.signParsed(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(sig)
	}

	return result.String(), nil
}
