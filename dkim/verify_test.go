package dkim

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/synqronlabs/mailauth/dns"
)

func generateRSAKey(t *testing.T, bits int) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return key, "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func generateEd25519Key(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key, "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
}

var testMessage = []byte("From: sender@example.com\r\n" +
	"To: recipient@example.org\r\n" +
	"Subject: Test Message\r\n" +
	"Date: Thu, 18 Dec 2025 12:00:00 +0000\r\n" +
	"Message-ID: <test123@example.com>\r\n" +
	"\r\n" +
	"This is a test message body.\r\n" +
	"It has multiple lines.\r\n")

func signTestMessage(t *testing.T, signer *Signer, message []byte) []byte {
	t.Helper()
	sigHeader, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return append([]byte(sigHeader), message...)
}

func TestSignAndVerifyRSA(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	for _, canon := range []struct {
		name         string
		header, body Canonicalization
	}{
		{"simple/simple", CanonSimple, CanonSimple},
		{"relaxed/relaxed", CanonRelaxed, CanonRelaxed},
		{"relaxed/simple", CanonRelaxed, CanonSimple},
		{"simple/relaxed", CanonSimple, CanonRelaxed},
	} {
		t.Run(canon.name, func(t *testing.T) {
			signer := NewSigner(key).
				Domain("example.com").
				Selector("test").
				Headers("From", "To", "Subject", "Date", "Message-ID").
				Canonicalization(canon.header, canon.body)

			signed := signTestMessage(t, signer, testMessage)

			results, err := Verify(context.Background(), resolver, signed)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			if results[0].Status != StatusPass {
				t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
			}
			if results[0].Signature == nil || results[0].Signature.Domain != "example.com" {
				t.Error("result missing parsed signature")
			}
			if results[0].Record == nil {
				t.Error("result missing DNS record")
			}
		})
	}
}

func TestSignAndVerifyEd25519(t *testing.T) {
	key, record := generateEd25519Key(t)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"ed._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("ed").
		DefaultHeaders()

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != StatusPass {
		t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
	}
}

func TestSignAndVerifyRSASHA1(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"legacy._domainkey.example.com.": {record},
		},
	}

	signer := NewSignerWithAlgorithm(key, AlgRSASHA1).
		Domain("example.com").
		Selector("legacy").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != StatusPass {
		t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
	}
	if results[0].Signature.Algorithm != AlgRSASHA1 {
		t.Errorf("algorithm = %s, want rsa-sha1", results[0].Signature.Algorithm)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "test message body", "TAMPERED body", 1))

	results, err := Verify(context.Background(), resolver, tampered)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != StatusFail {
		t.Errorf("status = %s, want fail", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrBodyHashMismatch) {
		t.Errorf("err = %v, want ErrBodyHashMismatch", results[0].Err)
	}
}

func TestVerifyTamperedHeader(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "Subject: Test Message", "Subject: Changed", 1))

	results, err := Verify(context.Background(), resolver, tampered)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusFail {
		t.Errorf("status = %s, want fail", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrSigVerify) {
		t.Errorf("err = %v, want ErrSigVerify", results[0].Err)
	}
}

func TestVerifyExpiredSignature(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	// Sign in the past so the one-hour lifetime has already elapsed
	orig := timeNow
	timeNow = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject").
		Expiration(time.Hour)
	signed := signTestMessage(t, signer, testMessage)
	timeNow = orig

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusFail {
		t.Errorf("status = %s, want fail", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrSigExpired) {
		t.Errorf("err = %v, want ErrSigExpired", results[0].Err)
	}
}

// An expiration before the signature timestamp can never be valid,
// regardless of the current time.
func TestVerifyExpireBeforeTimestamp(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{}}

	header := "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=test;" +
		" t=1700000000; x=1600000000; h=from;" +
		" bh=" + testBodyHashSHA256 + "; b=c2ln\r\n"
	message := append([]byte(header), testMessage...)

	results, err := Verify(context.Background(), resolver, message)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != StatusFail {
		t.Errorf("status = %s, want fail", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrSigExpired) {
		t.Errorf("err = %v, want ErrSigExpired", results[0].Err)
	}
}

func TestVerifyNoRecord(t *testing.T) {
	key, _ := generateRSAKey(t, 2048)

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	t.Run("nxdomain", func(t *testing.T) {
		resolver := dns.MockResolver{TXT: map[string][]string{}}
		results, err := Verify(context.Background(), resolver, signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPermerror {
			t.Errorf("status = %s, want permerror", results[0].Status)
		}
	})

	t.Run("no DKIM record in TXT", func(t *testing.T) {
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				"test._domainkey.example.com.": {"some unrelated txt record"},
			},
		}
		results, err := Verify(context.Background(), resolver, signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPermerror {
			t.Errorf("status = %s, want permerror", results[0].Status)
		}
		if !errors.Is(results[0].Err, ErrNoRecord) {
			t.Errorf("err = %v, want ErrNoRecord", results[0].Err)
		}
	})

	t.Run("multiple DKIM records", func(t *testing.T) {
		_, record := generateRSAKey(t, 2048)
		_, record2 := generateRSAKey(t, 2048)
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				"test._domainkey.example.com.": {record, record2},
			},
		}
		results, err := Verify(context.Background(), resolver, signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPermerror {
			t.Errorf("status = %s, want permerror", results[0].Status)
		}
		if !errors.Is(results[0].Err, ErrMultipleRecords) {
			t.Errorf("err = %v, want ErrMultipleRecords", results[0].Err)
		}
	})
}

func TestVerifyDNSTempError(t *testing.T) {
	key, _ := generateRSAKey(t, 2048)

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	resolver := dns.MockResolver{
		TXT:  map[string][]string{},
		Fail: []string{"test._domainkey.example.com."},
	}

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusTemperror {
		t.Errorf("status = %s, want temperror (err: %v)", results[0].Status, results[0].Err)
	}
}

func TestVerifyTestMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	record := "v=DKIM1; k=rsa; t=y; p=" + base64.StdEncoding.EncodeToString(der)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "test message body", "TAMPERED", 1))

	t.Run("failure in test mode is neutral", func(t *testing.T) {
		results, err := Verify(context.Background(), resolver, tampered)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusNone {
			t.Errorf("status = %s, want none", results[0].Status)
		}
	})

	t.Run("IgnoreTestMode reports the failure", func(t *testing.T) {
		v := &Verifier{Resolver: resolver, IgnoreTestMode: true}
		results, err := v.Verify(context.Background(), tampered)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusFail {
			t.Errorf("status = %s, want fail", results[0].Status)
		}
	})

	t.Run("pass in test mode stays pass", func(t *testing.T) {
		results, err := Verify(context.Background(), resolver, signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
	})
}

func TestVerifyWeakKey(t *testing.T) {
	key, record := generateRSAKey(t, 512)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusPermerror {
		t.Errorf("status = %s, want permerror", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrWeakKey) {
		t.Errorf("err = %v, want ErrWeakKey", results[0].Err)
	}
}

func TestVerifyRevokedKey(t *testing.T) {
	key, _ := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {"v=DKIM1; k=rsa; p="},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusPermerror {
		t.Errorf("status = %s, want permerror", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrKeyRevoked) {
		t.Errorf("err = %v, want ErrKeyRevoked", results[0].Err)
	}
}

func TestVerifyStrictAlignment(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	record := "v=DKIM1; k=rsa; t=s; p=" + base64.StdEncoding.EncodeToString(der)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	// Identity on a subdomain of d= violates strict alignment (t=s)
	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject").
		Identity("user@sub.example.com")

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusPermerror {
		t.Errorf("status = %s, want permerror", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrDomainIdentityMismatch) {
		t.Errorf("err = %v, want ErrDomainIdentityMismatch", results[0].Err)
	}
}

func TestVerifySignatureParams(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{}}

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{
			name: "From not signed",
			header: "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel;" +
				" h=to:subject; bh=" + testBodyHashSHA256 + "; b=c2ln\r\n",
			wantErr: ErrFromRequired,
		},
		{
			name: "top-level signing domain",
			header: "DKIM-Signature: v=1; a=rsa-sha256; d=com; s=sel;" +
				" h=from; bh=" + testBodyHashSHA256 + "; b=c2ln\r\n",
			wantErr: ErrTLD,
		},
		{
			name: "unrecognized query method",
			header: "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; q=http/get;" +
				" h=from; bh=" + testBodyHashSHA256 + "; b=c2ln\r\n",
			wantErr: ErrQueryMethod,
		},
		{
			name: "unknown canonicalization",
			header: "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; c=nofws/simple;" +
				" h=from; bh=" + testBodyHashSHA256 + "; b=c2ln\r\n",
			wantErr: ErrCanonicalizationUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := append([]byte(tt.header), testMessage...)
			results, err := Verify(context.Background(), resolver, message)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			if results[0].Status != StatusPermerror {
				t.Errorf("status = %s, want permerror", results[0].Status)
			}
			if !errors.Is(results[0].Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", results[0].Err, tt.wantErr)
			}
		})
	}
}

func TestVerifyBodyLengthLimit(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject").
		BodyLength(true)

	signed := signTestMessage(t, signer, testMessage)

	t.Run("appended content still passes", func(t *testing.T) {
		extended := append(append([]byte{}, signed...), []byte("Appended by a mailing list.\r\n")...)
		results, err := Verify(context.Background(), resolver, extended)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
	})

	t.Run("limit beyond body is rejected", func(t *testing.T) {
		// Remove the last body line so l= exceeds the canonical body
		shortened := []byte(strings.Replace(string(signed), "It has multiple lines.\r\n", "", 1))
		results, err := Verify(context.Background(), resolver, shortened)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPermerror {
			t.Errorf("status = %s, want permerror", results[0].Status)
		}
		if !errors.Is(results[0].Err, ErrBodyLength) {
			t.Errorf("err = %v, want ErrBodyLength", results[0].Err)
		}
	})
}

func TestVerifyDuplicateHeaderAttack(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	t.Run("prepended subject defeats plain signature", func(t *testing.T) {
		signer := NewSigner(key).
			Domain("example.com").
			Selector("test").
			Headers("From", "To", "Subject")

		signed := signTestMessage(t, signer, testMessage)
		// Headers are consumed bottom-up, so a header added at the top is
		// outside the signed set and verification still passes.
		attacked := append([]byte("Subject: Injected subject\r\n"), signed...)

		results, err := Verify(context.Background(), resolver, attacked)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
	})

	t.Run("oversigning detects the added header", func(t *testing.T) {
		signer := NewSigner(key).
			Domain("example.com").
			Selector("test").
			Headers("From", "To", "Subject").
			Oversign(true)

		signed := signTestMessage(t, signer, testMessage)
		attacked := append([]byte("Subject: Injected subject\r\n"), signed...)

		results, err := Verify(context.Background(), resolver, attacked)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusFail {
			t.Errorf("status = %s, want fail", results[0].Status)
		}
	})
}

func TestVerifyPolicy(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"legacy._domainkey.example.com.": {record},
		},
	}

	signer := NewSignerWithAlgorithm(key, AlgRSASHA1).
		Domain("example.com").
		Selector("legacy").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	v := &Verifier{
		Resolver: resolver,
		Policy: func(sig *Signature) error {
			if sig.Algorithm == AlgRSASHA1 {
				return errors.New("sha1 not accepted")
			}
			return nil
		},
	}

	results, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusPolicy {
		t.Errorf("status = %s, want policy", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrPolicy) {
		t.Errorf("err = %v, want ErrPolicy", results[0].Err)
	}
}

func TestVerifyMultipleSignatures(t *testing.T) {
	key1, record1 := generateRSAKey(t, 2048)
	key2, record2 := generateEd25519Key(t)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"rsa._domainkey.example.com.": {record1},
			"ed._domainkey.example.org.":  {record2},
		},
	}

	signers := []*Signer{
		NewSigner(key1).
			Domain("example.com").
			Selector("rsa").
			Headers("From", "To", "Subject"),
		NewSigner(key2).
			Domain("example.org").
			Selector("ed").
			Headers("From", "Subject"),
	}

	sigHeaders, err := SignMultiple(testMessage, signers)
	if err != nil {
		t.Fatalf("SignMultiple() error = %v", err)
	}
	signed := append([]byte(sigHeaders), testMessage...)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusPass {
			t.Errorf("selector %s: status = %s, want pass (err: %v)",
				r.Signature.Selector, r.Status, r.Err)
		}
	}
}

// One broken signature must not affect the others.
func TestVerifySignatureIsolation(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"good._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("good").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)
	broken := "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=missing;" +
		" h=from; bh=" + testBodyHashSHA256 + "; b=aW52YWxpZA==\r\n"
	combined := append([]byte(broken), signed...)

	results, err := Verify(context.Background(), resolver, combined)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	var passCount, errCount int
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			passCount++
		default:
			errCount++
		}
	}
	if passCount != 1 || errCount != 1 {
		t.Errorf("pass/other = %d/%d, want 1/1", passCount, errCount)
	}
}

func TestVerifyNoSignatures(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{}}

	results, err := Verify(context.Background(), resolver, testMessage)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestVerifyATPSSignature(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	label, err := ATPSLabel("example.com", "sha256")
	if err != nil {
		t.Fatalf("ATPSLabel() error = %v", err)
	}

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.":   {record},
			label + "._atps.author.example.": {"v=ATPS1; d=example.com"},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject").
		ATPS("author.example", "sha256")

	signed := signTestMessage(t, signer, testMessage)

	t.Run("authorized delegation", func(t *testing.T) {
		v := &Verifier{Resolver: resolver, CheckATPS: true}
		results, err := v.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
		if !results[0].IsATPS {
			t.Error("IsATPS = false, want true")
		}
	})

	t.Run("missing delegation record", func(t *testing.T) {
		bare := dns.MockResolver{
			TXT: map[string][]string{
				"test._domainkey.example.com.": {record},
			},
		}
		v := &Verifier{Resolver: bare, CheckATPS: true}
		results, err := v.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
		if results[0].IsATPS {
			t.Error("IsATPS = true, want false")
		}
		if results[0].Err != nil {
			t.Errorf("err = %v, want nil for absent delegation", results[0].Err)
		}
	})

	t.Run("ATPS check disabled", func(t *testing.T) {
		results, err := Verify(context.Background(), resolver, signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].IsATPS {
			t.Error("IsATPS = true, want false when CheckATPS is off")
		}
	})
}

func TestVerifyFailureReportAddress(t *testing.T) {
	key, record := generateRSAKey(t, 2048)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.":    {record},
			"_report._domainkey.example.com.": {"ra=dkim-reports; rp=100; rr=all"},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject").
		RequestReports(true)

	signed := signTestMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "test message body", "TAMPERED", 1))

	t.Run("failed signature resolves report address", func(t *testing.T) {
		v := &Verifier{Resolver: resolver, FailureReports: true}
		results, err := v.Verify(context.Background(), tampered)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusFail {
			t.Errorf("status = %s, want fail", results[0].Status)
		}
		if results[0].FailureReportAddr != "dkim-reports@example.com" {
			t.Errorf("failureReportAddr = %q, want dkim-reports@example.com",
				results[0].FailureReportAddr)
		}
	})

	t.Run("passing signature resolves nothing", func(t *testing.T) {
		v := &Verifier{Resolver: resolver, FailureReports: true}
		results, err := v.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].Status != StatusPass {
			t.Errorf("status = %s, want pass (err: %v)", results[0].Status, results[0].Err)
		}
		if results[0].FailureReportAddr != "" {
			t.Errorf("failureReportAddr = %q, want empty", results[0].FailureReportAddr)
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		results, err := Verify(context.Background(), resolver, tampered)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if results[0].FailureReportAddr != "" {
			t.Errorf("failureReportAddr = %q, want empty", results[0].FailureReportAddr)
		}
	})
}

func TestVerifyHashNotAllowed(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	// Record only allows sha256; signature uses sha1
	record := "v=DKIM1; k=rsa; h=sha256; p=" + base64.StdEncoding.EncodeToString(der)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"legacy._domainkey.example.com.": {record},
		},
	}

	signer := NewSignerWithAlgorithm(key, AlgRSASHA1).
		Domain("example.com").
		Selector("legacy").
		Headers("From", "To", "Subject")

	signed := signTestMessage(t, signer, testMessage)

	results, err := Verify(context.Background(), resolver, signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if results[0].Status != StatusPermerror {
		t.Errorf("status = %s, want permerror", results[0].Status)
	}
	if !errors.Is(results[0].Err, ErrHashAlgNotAllowed) {
		t.Errorf("err = %v, want ErrHashAlgNotAllowed", results[0].Err)
	}
}

func BenchmarkSign(b *testing.B) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		b.Fatalf("GenerateKey() error = %v", err)
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject", "Date")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := signer.Sign(testMessage); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerify(b *testing.B) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		b.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		b.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"test._domainkey.example.com.": {record},
		},
	}

	signer := NewSigner(key).
		Domain("example.com").
		Selector("test").
		Headers("From", "To", "Subject", "Date")

	sigHeader, err := signer.Sign(testMessage)
	if err != nil {
		b.Fatal(err)
	}
	signed := append([]byte(sigHeader), testMessage...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Verify(context.Background(), resolver, signed); err != nil {
			b.Fatal(err)
		}
	}
}
