package hmacauth

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignThenVerifySucceeds(t *testing.T) {
	a := New([][]byte{[]byte("secret-key")}, false)
	body := []byte(`{"hello":"world"}`)
	headers := a.Sign(body)
	require.NotEmpty(t, headers[HeaderTimestamp])
	require.NotEmpty(t, headers[HeaderDigest])

	req := httptest.NewRequest("POST", "/api/v1/metrics", nil)
	req.Header.Set(HeaderTimestamp, headers[HeaderTimestamp])
	req.Header.Set(HeaderDigest, headers[HeaderDigest])

	require.True(t, a.Verify(req, body))
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	signer := New([][]byte{[]byte("key-a")}, false)
	verifier := New([][]byte{[]byte("key-b")}, false)
	body := []byte("payload")
	headers := signer.Sign(body)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set(HeaderTimestamp, headers[HeaderTimestamp])
	req.Header.Set(HeaderDigest, headers[HeaderDigest])

	require.False(t, verifier.Verify(req, body))
}

func TestVerifyAcceptsAnyRotatedKey(t *testing.T) {
	signer := New([][]byte{[]byte("new-key")}, false)
	verifier := New([][]byte{[]byte("old-key"), []byte("new-key")}, false)
	body := []byte("payload")
	headers := signer.Sign(body)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set(HeaderTimestamp, headers[HeaderTimestamp])
	req.Header.Set(HeaderDigest, headers[HeaderDigest])

	require.True(t, verifier.Verify(req, body))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	a := New([][]byte{[]byte("secret-key")}, false)
	body := []byte("payload")
	staleTS := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set(HeaderTimestamp, staleTS)
	req.Header.Set(HeaderDigest, digest([]byte("secret-key"), body, staleTS))

	require.False(t, a.Verify(req, body))
}

func TestSkipModeAlwaysVerifies(t *testing.T) {
	a := New(nil, true)
	req := httptest.NewRequest("POST", "/", nil)
	require.True(t, a.Verify(req, []byte("anything")))
	require.Nil(t, a.Sign([]byte("anything")))
}
