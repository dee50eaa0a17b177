package dkim

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/synqronlabs/mailauth/dns"
)

// AtpsRecord represents an ATPS DNS TXT record (RFC 6541 Section 4.2).
// Author domains publish these at <label>._atps.<domain> to authorize
// third-party signers.
type AtpsRecord struct {
	// Version is the record version, must be "ATPS1".
	Version string

	// Domain is the authorized third-party signing domain (d= tag).
	// Empty means the record authorizes whatever domain hashes to its label.
	Domain string
}

// ParseAtpsRecord parses an ATPS DNS TXT record.
// Returns the parsed record and a boolean indicating if it's an ATPS record.
func ParseAtpsRecord(txt string) (*AtpsRecord, bool, error) {
	record := &AtpsRecord{}
	isATPS := false

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.Index(part, "=")
		if idx == -1 {
			continue
		}

		tag := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])

		switch tag {
		case "v":
			if value != "ATPS1" {
				return nil, false, fmt.Errorf("not an ATPS1 record")
			}
			record.Version = value
			isATPS = true

		case "d":
			record.Domain = strings.ToLower(value)
		}
	}

	if !isATPS {
		return nil, false, fmt.Errorf("not an ATPS record")
	}

	return record, true, nil
}

// ATPSLabel derives the DNS label for an ATPS query (RFC 6541 Section 4.3).
// The signing domain is hashed with the given algorithm ("sha256" or "sha1")
// and base32-encoded without padding. An empty or "none" algorithm uses the
// domain itself as the label.
func ATPSLabel(domain, hash string) (string, error) {
	domain = strings.ToLower(domain)
	var digest []byte
	switch hash {
	case "", "none":
		return domain, nil
	case "sha256":
		d := sha256.Sum256([]byte(domain))
		digest = d[:]
	case "sha1":
		d := sha1.Sum([]byte(domain))
		digest = d[:]
	default:
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hash)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(digest), nil
}

// VerifyATPS checks whether the author domain in the signature's atps= tag
// has authorized the signing domain as a third-party signer. Returns true
// when a matching ATPS record is published at
// <label>._atps.<author-domain>.
func VerifyATPS(ctx context.Context, resolver dns.Resolver, sig *Signature) (bool, error) {
	if sig.AtpsDomain == "" {
		return false, nil
	}

	label, err := ATPSLabel(sig.Domain, sig.AtpsHash)
	if err != nil {
		return false, err
	}

	name := label + "._atps." + sig.AtpsDomain
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return false, err
	}

	for _, txt := range result.Records {
		record, isATPS, err := ParseAtpsRecord(txt)
		if !isATPS || err != nil {
			continue
		}
		if record.Domain == "" || record.Domain == sig.Domain {
			return true, nil
		}
	}

	return false, ErrATPSDelegation
}
