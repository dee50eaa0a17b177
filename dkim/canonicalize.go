package dkim

import (
	"bufio"
	"bytes"
	"hash"
	"io"
	"strings"
)

var crlf = []byte("\r\n")

// canonicalizeHeaderRelaxed returns the header in relaxed canonicalization.
// Relaxed canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines (remove CRLF before WSP)
//   - Compress WSP to single space
//   - Remove trailing WSP from header value
func canonicalizeHeaderRelaxed(header string) (string, error) {
	// Find header name and value
	idx := strings.Index(header, ":")
	if idx == -1 {
		return "", ErrHeaderMalformed
	}

	name := strings.ToLower(strings.TrimRight(header[:idx], " \t"))
	value := header[idx+1:]

	// Remove trailing line ending from value
	value = strings.TrimRight(value, "\r\n")

	// Unfold (remove CRLF followed by WSP)
	value = strings.ReplaceAll(value, "\r\n\t", " ")
	value = strings.ReplaceAll(value, "\r\n ", " ")
	value = strings.ReplaceAll(value, "\n\t", " ")
	value = strings.ReplaceAll(value, "\n ", " ")

	// Compress WSP to single space
	var result strings.Builder
	prevWS := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result.WriteByte(' ')
				prevWS = true
			}
		} else {
			result.WriteRune(c)
			prevWS = false
		}
	}

	// Trim leading and trailing whitespace from value
	return name + ":" + strings.TrimSpace(result.String()), nil
}

// canonicalizeHeaderSimple returns the header in simple canonicalization:
// the header is passed through unchanged except that line endings are
// normalized to CRLF and the trailing line ending is removed.
func canonicalizeHeaderSimple(header string) string {
	header = strings.TrimRight(header, "\r\n")
	return normalizeLineEndings(header)
}

// normalizeLineEndings converts bare LF line endings to CRLF.
func normalizeLineEndings(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// limitWriter hashes at most limit canonical bytes while counting the full
// canonical length. A negative limit hashes everything.
type limitWriter struct {
	h     hash.Hash
	limit int64
	total int64
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit < 0 {
		w.h.Write(p)
	} else if w.total < w.limit {
		n := w.limit - w.total
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		w.h.Write(p[:n])
	}
	w.total += int64(len(p))
	return len(p), nil
}

// canonicalizeBody streams the canonical form of the body into w.
//
// Both modes normalize line endings to CRLF and remove trailing empty
// lines. Relaxed mode additionally strips trailing whitespace per line and
// compresses internal whitespace runs to a single space. A non-empty body
// always ends with exactly one CRLF; an empty body canonicalizes to a
// single CRLF in simple mode and to nothing in relaxed mode (RFC 6376
// Section 3.4).
func canonicalizeBody(w io.Writer, canon Canonicalization, body io.Reader) error {
	br := bufio.NewReader(body)

	// Empty (or whitespace-only, in relaxed mode) lines are buffered so
	// that trailing ones can be dropped.
	pendingLines := 0
	wrote := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}

		hadEOL := false
		if bytes.HasSuffix(line, crlf) {
			line = line[:len(line)-2]
			hadEOL = true
		} else if bytes.HasSuffix(line, []byte("\n")) {
			line = line[:len(line)-1]
			hadEOL = true
		}

		if canon == CanonRelaxed {
			line = bytes.TrimRight(line, " \t")
			line = compressWhitespace(line)
		}

		if len(line) == 0 {
			if hadEOL {
				pendingLines++
			}
			continue
		}

		for i := 0; i < pendingLines; i++ {
			if _, err := w.Write(crlf); err != nil {
				return err
			}
		}
		pendingLines = 0

		if _, err := w.Write(line); err != nil {
			return err
		}
		// A content line is always terminated: if the original line lacked
		// a line ending, one is added per RFC 6376.
		if _, err := w.Write(crlf); err != nil {
			return err
		}
		wrote = true
	}

	if canon == CanonSimple && !wrote {
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}

	return nil
}

// compressWhitespace compresses runs of whitespace to a single space.
func compressWhitespace(line []byte) []byte {
	var result []byte
	prevWS := false
	for _, c := range line {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result = append(result, ' ')
				prevWS = true
			}
		} else {
			result = append(result, c)
			prevWS = false
		}
	}
	return result
}

// computeBodyHash calculates the hash of the message body.
// The limit is the l= body length limit; negative means unlimited. The
// returned length is the full canonical body length regardless of limit,
// so callers can detect limits that overrun the actual body.
func computeBodyHash(h hash.Hash, canon Canonicalization, body io.Reader, limit int64) ([]byte, int64, error) {
	w := &limitWriter{h: h, limit: limit}
	if err := canonicalizeBody(w, canon, body); err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), w.total, nil
}

// computeDataHash calculates the hash of the signed headers and signature
// header. Signed header names are processed in the order given; when a name
// is referenced more than once, each reference consumes the next-earlier
// unconsumed instance of that name, scanning from the bottom of the message
// upward (RFC 6376 Section 5.4.2). The signature header itself (with empty
// b= value) is hashed last, without a trailing CRLF.
func computeDataHash(h hash.Hash, canon Canonicalization, headers []headerData, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	// Build a map of headers in reverse order (most recent first)
	headerMap := make(map[string][]headerData)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].lkey
		headerMap[lkey] = append(headerMap[lkey], headers[i])
	}

	// Process signed headers in order
	for _, key := range signedHeaders {
		lkey := strings.ToLower(key)
		hdrs := headerMap[lkey]
		if len(hdrs) == 0 {
			// Header not present, skip (per RFC 6376 Section 5.4)
			continue
		}

		// Use the most recent unconsumed one
		hdr := hdrs[0]
		headerMap[lkey] = hdrs[1:]

		canonical, err := canonicalizeHeader(string(hdr.raw), canon)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
		h.Write(crlf)
	}

	// Add the signature header itself (without trailing CRLF)
	canonical, err := canonicalizeHeader(string(sigHeader), canon)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(canonical))

	return h.Sum(nil), nil
}

// canonicalizeHeader canonicalizes a single raw header in the given mode.
func canonicalizeHeader(header string, canon Canonicalization) (string, error) {
	if canon == CanonRelaxed {
		return canonicalizeHeaderRelaxed(header)
	}
	return canonicalizeHeaderSimple(header), nil
}

// CanonicalizeHeader returns the canonical form of a single raw header
// (name, colon, and value, without the trailing line ending) in the given
// mode. ARC message signatures and seals canonicalize headers the same way
// DKIM does.
func CanonicalizeHeader(header string, canon Canonicalization) (string, error) {
	return canonicalizeHeader(header, canon)
}

// HashBody streams the canonical form of a message body into h, hashing at
// most limit bytes (negative for no limit). It returns the digest and the
// full canonical body length. Hashing the same body twice yields the same
// digest; canonicalization is idempotent.
func HashBody(h hash.Hash, canon Canonicalization, body io.Reader, limit int64) ([]byte, int64, error) {
	return computeBodyHash(h, canon, body, limit)
}

// headerData represents a parsed header.
type headerData struct {
	key   string // Original case
	lkey  string // Lowercase
	value []byte // Header value (after colon)
	raw   []byte // Complete header including name, colon, and value
}

// parseMessageHeaders parses message headers from raw message data.
// Returns headers and the offset where the body starts.
func parseMessageHeaders(data []byte) ([]headerData, int, error) {
	return parseHeaders(bufio.NewReader(bytes.NewReader(data)))
}

// parseHeaders parses headers from a reader.
func parseHeaders(br *bufio.Reader) ([]headerData, int, error) {
	var headers []headerData
	var offset int
	var currentKey, currentLKey string
	var currentValue, currentRaw []byte

	flush := func() {
		if currentKey != "" {
			headers = append(headers, headerData{
				key:   currentKey,
				lkey:  currentLKey,
				value: currentValue,
				raw:   currentRaw,
			})
		}
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}
		offset += len(line)

		// Empty line signals end of headers
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}

		// Check for continuation (folded header)
		if line[0] == ' ' || line[0] == '\t' {
			if currentKey == "" {
				return nil, 0, ErrHeaderMalformed
			}
			currentValue = append(currentValue, line...)
			currentRaw = append(currentRaw, line...)
			if err == io.EOF {
				break
			}
			continue
		}

		// Save previous header
		flush()

		// Parse new header
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return nil, 0, ErrHeaderMalformed
		}

		currentKey = strings.TrimRight(string(line[:colonIdx]), " \t")
		currentLKey = strings.ToLower(currentKey)
		currentValue = bytes.Clone(line[colonIdx+1:])
		currentRaw = bytes.Clone(line)

		// Validate header name
		for _, c := range currentKey {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}

		if err == io.EOF {
			break
		}
	}

	flush()

	return headers, offset, nil
}
