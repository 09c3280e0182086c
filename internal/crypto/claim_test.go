package crypto_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/crypto"
	"github.com/alanyoungcy/fanpulse/internal/domain"
)

const testSecret = "0123456789abcdef-server-secret"

func sampleClaim() domain.ClaimSignature {
	return domain.ClaimSignature{
		ClaimID:       "c-1",
		UserID:        "user-1",
		MilestoneID:   "m-10-comments",
		WalletAddress: "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01",
		Amount:        decimal.RequireFromString("5.00"),
		Timestamp:     1_760_000_000,
	}
}

func TestClaimMessage_Canonical(t *testing.T) {
	msg := string(crypto.ClaimMessage(sampleClaim()))
	assert.Equal(t, "user-1|m-10-comments|0xabcdef0123456789abcdef0123456789abcdef01|5|1760000000", msg)
}

func TestClaimSigner_RoundTrip(t *testing.T) {
	s, err := crypto.NewClaimSigner([]byte(testSecret))
	require.NoError(t, err)

	signed, err := s.Sign(sampleClaim())
	require.NoError(t, err)
	assert.Len(t, signed.Signature, 64)
	assert.True(t, s.Verify(signed))

	// Address case does not change the signed message.
	upper := signed
	upper.WalletAddress = strings.ToUpper(signed.WalletAddress[:2]) + strings.ToUpper(signed.WalletAddress[2:])
	assert.True(t, s.Verify(upper))

	tampered := signed
	tampered.Amount = decimal.NewFromInt(50)
	assert.False(t, s.Verify(tampered))

	tampered = signed
	tampered.Timestamp++
	assert.False(t, s.Verify(tampered))

	other, err := crypto.NewClaimSigner([]byte(testSecret + "x"))
	require.NoError(t, err)
	assert.False(t, other.Verify(signed))
}

func TestDeriveClaimKey_ShortSecret(t *testing.T) {
	_, err := crypto.DeriveClaimKey([]byte("short"))
	assert.Error(t, err)
}

func TestVerifyClaim_MalformedSignature(t *testing.T) {
	key, err := crypto.DeriveClaimKey([]byte(testSecret))
	require.NoError(t, err)

	for _, sig := range []string{"", "zz", "abcd", strings.Repeat("0", 64)} {
		c := sampleClaim()
		c.Signature = sig
		assert.False(t, crypto.VerifyClaim(key, c), sig)
	}
}

func FuzzVerifyClaim(f *testing.F) {
	key, err := crypto.DeriveClaimKey([]byte(testSecret))
	require.NoError(f, err)
	valid := sampleClaim()
	valid.Signature = crypto.SignClaim(key, valid)

	f.Add(valid.UserID, valid.MilestoneID, valid.WalletAddress, "5", valid.Timestamp, valid.Signature)
	f.Add("", "", "", "0", int64(0), "")
	f.Add("user-1", "m|x", "0x00", "1.5", int64(-1), "deadbeef")

	f.Fuzz(func(t *testing.T, user, milestone, wallet, amount string, ts int64, sig string) {
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			t.Skip()
		}
		c := domain.ClaimSignature{
			UserID: user, MilestoneID: milestone, WalletAddress: wallet,
			Amount: amt, Timestamp: ts, Signature: sig,
		}
		got := crypto.VerifyClaim(key, c)
		if got && sig != crypto.SignClaim(key, c) && !strings.EqualFold(sig, crypto.SignClaim(key, c)) {
			t.Fatalf("accepted signature %q that does not match", sig)
		}
		c.Signature = crypto.SignClaim(key, c)
		if !crypto.VerifyClaim(key, c) {
			t.Fatalf("rejected own signature for %+v", c)
		}
	})
}

func TestSealSecret_RoundTrip(t *testing.T) {
	sealed, err := crypto.SealSecret([]byte(testSecret), "hunter2")
	require.NoError(t, err)

	got, err := crypto.OpenSecret(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(got))

	_, err = crypto.OpenSecret(sealed, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := crypto.LoadSecret(crypto.SecretConfig{Raw: testSecret, SealedPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(got))

	sealed, err := crypto.SealSecret([]byte(testSecret), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "claim_secret.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err = crypto.LoadSecret(crypto.SecretConfig{SealedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(got))

	_, err = crypto.LoadSecret(crypto.SecretConfig{})
	assert.Error(t, err)
}

func TestHMACAuth_Verify(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "key-1", Secret: "s3cr3t"}
	now := time.Unix(1_760_000_000, 0)

	h := auth.HeadersAt("POST", "/v1/transfers", `{"a":1}`, now.Unix())
	assert.Equal(t, "key-1", h[crypto.HeaderAPIKey])
	assert.True(t, auth.VerifyRequest("POST", "/v1/transfers", `{"a":1}`, h[crypto.HeaderTimestamp], h[crypto.HeaderSignature], now, time.Minute))
	assert.False(t, auth.VerifyRequest("POST", "/v1/transfers", `{"a":2}`, h[crypto.HeaderTimestamp], h[crypto.HeaderSignature], now, time.Minute))
	assert.False(t, auth.VerifyRequest("POST", "/v1/transfers", `{"a":1}`, h[crypto.HeaderTimestamp], h[crypto.HeaderSignature], now.Add(2*time.Minute), time.Minute))
	assert.NotContains(t, auth.String(), "s3cr3t")
}
