package dkim

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailauth/dns"
)

func TestParseAtpsRecord(t *testing.T) {
	t.Run("with domain", func(t *testing.T) {
		record, isATPS, err := ParseAtpsRecord("v=ATPS1; d=signer.example")
		require.NoError(t, err)
		require.True(t, isATPS)

		assert.Equal(t, "ATPS1", record.Version)
		assert.Equal(t, "signer.example", record.Domain)
	})

	t.Run("without domain", func(t *testing.T) {
		record, isATPS, err := ParseAtpsRecord("v=ATPS1")
		require.NoError(t, err)
		require.True(t, isATPS)
		assert.Empty(t, record.Domain)
	})

	t.Run("domain lowercased", func(t *testing.T) {
		record, _, err := ParseAtpsRecord("v=ATPS1; d=Signer.EXAMPLE")
		require.NoError(t, err)
		assert.Equal(t, "signer.example", record.Domain)
	})

	t.Run("wrong version", func(t *testing.T) {
		_, isATPS, err := ParseAtpsRecord("v=ATPS2; d=signer.example")
		assert.False(t, isATPS)
		assert.Error(t, err)
	})

	t.Run("not an ATPS record", func(t *testing.T) {
		_, isATPS, err := ParseAtpsRecord("v=DKIM1; k=rsa; p=abc")
		assert.False(t, isATPS)
		assert.Error(t, err)
	})
}

func TestATPSLabel(t *testing.T) {
	t.Run("none uses the domain", func(t *testing.T) {
		label, err := ATPSLabel("Signer.Example", "none")
		require.NoError(t, err)
		assert.Equal(t, "signer.example", label)

		label, err = ATPSLabel("signer.example", "")
		require.NoError(t, err)
		assert.Equal(t, "signer.example", label)
	})

	t.Run("sha256", func(t *testing.T) {
		label, err := ATPSLabel("signer.example", "sha256")
		require.NoError(t, err)

		// Base32 without padding, single DNS label
		assert.NotContains(t, label, "=")
		assert.NotContains(t, label, ".")
		assert.Len(t, label, 52)

		// Deterministic and case-insensitive on input
		again, err := ATPSLabel("SIGNER.EXAMPLE", "sha256")
		require.NoError(t, err)
		assert.Equal(t, label, again)

		other, err := ATPSLabel("other.example", "sha256")
		require.NoError(t, err)
		assert.NotEqual(t, label, other)
	})

	t.Run("sha1", func(t *testing.T) {
		label, err := ATPSLabel("signer.example", "sha1")
		require.NoError(t, err)
		assert.NotContains(t, label, "=")
		assert.Len(t, label, 32)
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := ATPSLabel("signer.example", "md5")
		assert.ErrorIs(t, err, ErrHashAlgorithmUnknown)
	})
}

func TestVerifyATPS(t *testing.T) {
	ctx := context.Background()

	sig := func(hash string) *Signature {
		s := NewSignature()
		s.Domain = "signer.example"
		s.AtpsDomain = "author.example"
		s.AtpsHash = hash
		return s
	}

	atpsName := func(t *testing.T, hash string) string {
		t.Helper()
		label, err := ATPSLabel("signer.example", hash)
		require.NoError(t, err)
		return label + "._atps.author.example."
	}

	t.Run("authorized", func(t *testing.T) {
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				atpsName(t, "sha256"): {"v=ATPS1; d=signer.example"},
			},
		}
		ok, err := VerifyATPS(ctx, resolver, sig("sha256"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("authorized without d tag", func(t *testing.T) {
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				atpsName(t, "sha256"): {"v=ATPS1"},
			},
		}
		ok, err := VerifyATPS(ctx, resolver, sig("sha256"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("plain label", func(t *testing.T) {
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				"signer.example._atps.author.example.": {"v=ATPS1; d=signer.example"},
			},
		}
		ok, err := VerifyATPS(ctx, resolver, sig("none"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("record names a different signer", func(t *testing.T) {
		resolver := dns.MockResolver{
			TXT: map[string][]string{
				atpsName(t, "sha256"): {"v=ATPS1; d=other.example"},
			},
		}
		ok, err := VerifyATPS(ctx, resolver, sig("sha256"))
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrATPSDelegation)
	})

	t.Run("no atps tag on signature", func(t *testing.T) {
		s := NewSignature()
		s.Domain = "signer.example"
		ok, err := VerifyATPS(ctx, dns.MockResolver{}, s)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown hash", func(t *testing.T) {
		ok, err := VerifyATPS(ctx, dns.MockResolver{}, sig("md5"))
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrHashAlgorithmUnknown)
	})
}

// The label is what goes on the wire in a DNS query; it must be a valid
// DNS label under the _atps subtree.
func TestATPSLabelDNSSafe(t *testing.T) {
	for _, hash := range []string{"sha256", "sha1"} {
		label, err := ATPSLabel("some-long-subdomain.signer.example", hash)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(label), 63)
		assert.Equal(t, strings.ToUpper(label), label)
	}
}
