package links

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("test-secret")
	require.NoError(t, err)
	return c
}

func TestProviderLink_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	in := ProviderLink{ProviderID: "prov-1", WorkflowProviderID: "wp-1", BookingRequestID: "br-1"}

	token, expiresAt, err := c.EncodeProviderLink(in, time.Hour)
	require.NoError(t, err)

	got, err := c.DecodeProviderLink(token)
	require.NoError(t, err)
	assert.False(t, got.IsExpired)
	assert.Equal(t, "prov-1", got.Payload.ProviderID)
	assert.Equal(t, "wp-1", got.Payload.WorkflowProviderID)
	assert.Equal(t, "br-1", got.Payload.BookingRequestID)
	assert.WithinDuration(t, expiresAt, got.Payload.ExpiresAt, time.Millisecond)
}

func TestDecode_AlreadyExpiredTokenReportsExpired(t *testing.T) {
	c := newTestCodec(t)

	token, _, err := c.EncodeProviderLink(ProviderLink{ProviderID: "prov-1"}, -1)
	require.NoError(t, err)

	got, err := c.DecodeProviderLink(token)
	require.NoError(t, err)
	assert.True(t, got.IsExpired)
	assert.Equal(t, "prov-1", got.Payload.ProviderID)
}

func TestDecode_ExpiryFollowsClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCodec(t).WithClock(func() time.Time { return now })

	token, _, err := c.EncodeQuoteLink(QuoteLink{WorkflowRunID: "run-1", SelectedQuoteIDs: []string{"q-1"}}, 10*time.Minute)
	require.NoError(t, err)

	later := c.WithClock(func() time.Time { return now.Add(9 * time.Minute) })
	got, err := later.DecodeQuoteLink(token)
	require.NoError(t, err)
	assert.False(t, got.IsExpired)
	assert.True(t, got.Payload.Contains("q-1"))
	assert.False(t, got.Payload.Contains("q-2"))

	expired := c.WithClock(func() time.Time { return now.Add(10 * time.Minute) })
	got, err = expired.DecodeQuoteLink(token)
	require.NoError(t, err)
	assert.True(t, got.IsExpired)
}

func TestDecode_WrongKindRejected(t *testing.T) {
	c := newTestCodec(t)

	token, _, err := c.EncodeProviderLink(ProviderLink{ProviderID: "prov-1"}, time.Hour)
	require.NoError(t, err)

	_, err = c.DecodeQuoteLink(token)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestDecode_TamperedTokenRejected(t *testing.T) {
	c := newTestCodec(t)

	token, _, err := c.EncodeProviderLink(ProviderLink{ProviderID: "prov-1"}, time.Hour)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = c.DecodeProviderLink(tampered)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestDecode_ForeignSecretRejected(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec("another-secret")
	require.NoError(t, err)

	token, _, err := other.EncodeProviderLink(ProviderLink{ProviderID: "prov-1"}, time.Hour)
	require.NoError(t, err)

	_, err = c.DecodeProviderLink(token)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestDecode_MalformedRejected(t *testing.T) {
	c := newTestCodec(t)

	for _, token := range []string{"", "not base64!", "c2hvcnQ"} {
		_, err := c.DecodeProviderLink(token)
		assert.ErrorIs(t, err, ErrMalformed, token)
	}
}

func TestDecode_IsPure(t *testing.T) {
	c := newTestCodec(t)

	token, _, err := c.EncodeProviderLink(ProviderLink{ProviderID: "prov-1", WorkflowProviderID: "wp-1"}, time.Hour)
	require.NoError(t, err)

	first, err := c.DecodeProviderLink(token)
	require.NoError(t, err)
	second, err := c.DecodeProviderLink(token)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNewCodec_RequiresSecret(t *testing.T) {
	_, err := NewCodec("")
	assert.Error(t, err)
}
