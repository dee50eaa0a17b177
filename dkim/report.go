package dkim

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/mailauth/dns"
)

// ReportRequest is a bitmask of the failure result types a signer wants
// reported (rr= tag, RFC 6651 Section 3.2).
type ReportRequest uint8

const (
	// ReportDNS requests reports on DNS or key record failures ("d").
	ReportDNS ReportRequest = 1 << iota
	// ReportOther requests reports on other failures ("o").
	ReportOther
	// ReportPolicy requests reports on policy rejections ("p").
	ReportPolicy
	// ReportSignature requests reports on signature verification
	// failures ("s").
	ReportSignature
	// ReportUnknownTag requests reports on unknown signature tags ("u").
	ReportUnknownTag
	// ReportVerification requests reports on body hash or parameter
	// failures ("v").
	ReportVerification
	// ReportExpiration requests reports on expired signatures ("x").
	ReportExpiration

	// ReportAll requests all report types ("all").
	ReportAll ReportRequest = ReportDNS | ReportOther | ReportPolicy |
		ReportSignature | ReportUnknownTag | ReportVerification | ReportExpiration
)

// DomainKeyReport represents a DKIM reporting TXT record (RFC 6651
// Section 3.1), published at _report._domainkey.<domain>.
type DomainKeyReport struct {
	// Address is the local-part reports should be sent to (ra= tag).
	// The full address is Address@<domain>.
	Address string

	// Percentage is the sampling rate for reports, 0-100 (rp= tag).
	Percentage int

	// Requests is the bitmask of requested report types (rr= tag).
	Requests ReportRequest

	// Subject is the requested report subject text (rs= tag).
	Subject string
}

// ParseReportRecord parses a _report._domainkey TXT record.
// Returns the parsed record and a boolean indicating whether the TXT string
// carries any reporting tags.
func ParseReportRecord(txt string) (*DomainKeyReport, bool, error) {
	report := &DomainKeyReport{
		Percentage: 100,
		Requests:   ReportAll,
	}
	isReport := false

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
		case "ra":
			report.Address = decodeQPSection(value)
			isReport = true

		case "rp":
			p, err := strconv.Atoi(value)
			if err != nil || p < 0 || p > 100 {
				return nil, true, fmt.Errorf("%w: invalid rp value %q", ErrSyntax, value)
			}
			report.Percentage = p
			isReport = true

		case "rr":
			report.Requests = 0
			for _, r := range strings.Split(value, ":") {
				switch strings.ToLower(strings.TrimSpace(r)) {
				case "all":
					report.Requests |= ReportAll
				case "d":
					report.Requests |= ReportDNS
				case "o":
					report.Requests |= ReportOther
				case "p":
					report.Requests |= ReportPolicy
				case "s":
					report.Requests |= ReportSignature
				case "u":
					report.Requests |= ReportUnknownTag
				case "v":
					report.Requests |= ReportVerification
				case "x":
					report.Requests |= ReportExpiration
				}
			}
			isReport = true

		case "rs":
			report.Subject = decodeQPSection(value)
			isReport = true
		}
	}

	if !isReport {
		return nil, false, fmt.Errorf("not a reporting record")
	}
	if report.Address == "" {
		return nil, true, fmt.Errorf("%w: missing reporting address (ra=)", ErrSyntax)
	}

	return report, true, nil
}

// Wants returns true if the record requests reports for the given type,
// honoring the sampling percentage.
func (r *DomainKeyReport) Wants(req ReportRequest) bool {
	if r.Requests&req == 0 {
		return false
	}
	if r.Percentage >= 100 {
		return true
	}
	return rand.Intn(100) < r.Percentage
}

// FetchReport retrieves and parses the reporting record for a domain from
// _report._domainkey.<domain>. The returned bool reports DNSSEC
// authentication of the answer.
func FetchReport(ctx context.Context, resolver dns.Resolver, domain string) (*DomainKeyReport, bool, error) {
	name := "_report._domainkey." + domain

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, false, err
	}

	for _, txt := range result.Records {
		report, isReport, err := ParseReportRecord(txt)
		if !isReport {
			continue
		}
		if err != nil {
			return nil, result.Authentic, err
		}
		return report, result.Authentic, nil
	}

	return nil, result.Authentic, ErrNoRecord
}

// FailureReport composes RFC 6591 authentication failure reports (AFRF)
// for signatures that failed verification.
type FailureReport struct {
	// ReportingMTA identifies the host generating the report.
	ReportingMTA string

	// From is the address the report is sent from.
	From string

	// To is the address the report is sent to, normally the
	// FailureReportAddr of a failed Result.
	To string

	// AuthFailure names the failure type: "bodyhash", "signature",
	// "dmarc", or "policy" (RFC 6591 Section 3.2.2).
	AuthFailure string

	// Signature is the failed signature.
	Signature *Signature

	// OriginalHeaders is the header block of the failed message, included
	// in the machine-readable part.
	OriginalHeaders string
}

// entropy for report Message-IDs; ULIDs keep them sortable by time.
var reportEntropy = ulid.DefaultEntropy()

// Compose renders the full multipart/report message.
func (f *FailureReport) Compose() (string, error) {
	if f.Signature == nil {
		return "", fmt.Errorf("%w: no signature for report", ErrSyntax)
	}

	now := timeNow()
	id := ulid.MustNew(ulid.Timestamp(now), reportEntropy)
	boundary := strings.ToLower(id.String())

	domain := f.ReportingMTA
	if idx := strings.LastIndex(f.From, "@"); idx >= 0 {
		domain = f.From[idx+1:]
	}

	authFailure := f.AuthFailure
	if authFailure == "" {
		authFailure = "signature"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", f.From)
	fmt.Fprintf(&b, "To: %s\r\n", f.To)
	fmt.Fprintf(&b, "Subject: DKIM authentication failure report for %s\r\n", f.Signature.Domain)
	fmt.Fprintf(&b, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", id.String(), domain)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/report; report-type=feedback-report;\r\n\tboundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	// Human-readable part
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "A message signed by %s failed DKIM verification at %s.\r\n",
		f.Signature.Domain, f.ReportingMTA)
	b.WriteString("\r\n")

	// Machine-readable part
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: message/feedback-report\r\n\r\n")
	b.WriteString("Feedback-Type: auth-failure\r\n")
	b.WriteString("Version: 1\r\n")
	b.WriteString("User-Agent: mailauth/1.0\r\n")
	fmt.Fprintf(&b, "Auth-Failure: %s\r\n", authFailure)
	fmt.Fprintf(&b, "Reporting-MTA: dns; %s\r\n", f.ReportingMTA)
	fmt.Fprintf(&b, "DKIM-Domain: %s\r\n", f.Signature.Domain)
	fmt.Fprintf(&b, "DKIM-Selector: %s\r\n", f.Signature.Selector)
	if f.Signature.Identity != "" {
		fmt.Fprintf(&b, "DKIM-Identity: %s\r\n", f.Signature.Identity)
	}
	b.WriteString("\r\n")

	// Original headers
	if f.OriginalHeaders != "" {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/rfc822-headers\r\n\r\n")
		b.WriteString(f.OriginalHeaders)
		if !strings.HasSuffix(f.OriginalHeaders, "\r\n") {
			b.WriteString("\r\n")
		}
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return b.String(), nil
}
