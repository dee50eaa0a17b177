package arc

import (
	"hash"
	"strings"

	"github.com/synqronlabs/mailauth/dkim"
)

var crlf = []byte("\r\n")

// computeAMSDataHash computes the data hash for ARC-Message-Signature
// verification. Signed header names consume message headers bottom-up, the
// same way DKIM does; the AMS header itself is hashed last with an empty
// b= value and no trailing CRLF.
func computeAMSDataHash(h hash.Hash, headerCanon Canonicalization, headers []headerData, signedHeaders []string, amsHeader []byte) ([]byte, error) {
	// Index headers by name, most recent first
	headerIndices := make(map[string][]int)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].lkey
		headerIndices[lkey] = append(headerIndices[lkey], i)
	}

	// Hash headers in the order specified by h=
	for _, name := range signedHeaders {
		lname := strings.ToLower(name)
		indices := headerIndices[lname]
		if len(indices) == 0 {
			// Absent headers are skipped (RFC 6376 Section 5.4)
			continue
		}

		idx := indices[0]
		headerIndices[lname] = indices[1:]

		canonHeader, err := dkim.CanonicalizeHeader(string(headers[idx].raw), headerCanon)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonHeader))
		h.Write(crlf)
	}

	// Hash the ARC-Message-Signature header (with empty b= value)
	canonAMS, err := dkim.CanonicalizeHeader(string(removeSignature(amsHeader)), headerCanon)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(canonAMS))

	return h.Sum(nil), nil
}

// computeSealDataHash computes the data hash for an ARC-Seal over the given
// chain of raw headers. The chain must be ordered per RFC 8617 Section
// 5.1.2: ARC-Authentication-Results 1..n, ARC-Message-Signature 1..n, then
// ARC-Seal 1..n with the b= value of seal n already emptied. Seals always
// use relaxed header canonicalization; the final header is hashed without a
// trailing CRLF.
func computeSealDataHash(h hash.Hash, chain [][]byte) ([]byte, error) {
	for i, raw := range chain {
		canonHeader, err := dkim.CanonicalizeHeader(string(raw), CanonRelaxed)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonHeader))
		if i < len(chain)-1 {
			h.Write(crlf)
		}
	}
	return h.Sum(nil), nil
}

// removeSignature empties the b= value of a signature header for
// verification. Only a b= tag at the start of the value or preceded by a
// separator matches, so bh= values ending in base64 padding are never
// clipped.
func removeSignature(header []byte) []byte {
	headerStr := string(header)
	lower := strings.ToLower(headerStr)

	bIdx := -1
	for i := 0; i+1 < len(lower); i++ {
		if lower[i] != 'b' || lower[i+1] != '=' {
			continue
		}
		if i == 0 {
			continue // a header always starts with its name
		}
		switch lower[i-1] {
		case ';', ' ', '\t', '\n', ':':
			bIdx = i
		}
		if bIdx >= 0 {
			break
		}
	}
	if bIdx == -1 {
		return header
	}

	// Find the end of the b= value (next ; or end of header)
	endIdx := bIdx + 2
	for endIdx < len(headerStr) && headerStr[endIdx] != ';' {
		endIdx++
	}

	return []byte(headerStr[:bIdx+2] + headerStr[endIdx:])
}
