package exectoken

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		ControllerID: "regional_cntl_zone-A_1",
		Secret:       []byte("0123456789abcdef0123456789abcdef"),
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManager_IssueShape(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := testManager(t, clock)
	tok, err := m.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)

	require.Len(t, tok.TokenID, 32)
	require.Len(t, tok.Nonce, 64)
	require.Equal(t, "regional_cntl_zone-A_1", tok.IssuedBy)
	require.Equal(t, clock.Now().UTC().Add(DefaultValidity), tok.ExpiresAt)
	require.NotEmpty(t, tok.Signature)
}

func TestManager_SingleUse(t *testing.T) {
	t.Parallel()

	m := testManager(t, clockwork.NewFakeClock())
	tok, err := m.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)

	require.NoError(t, m.Verify(tok, WithExpectedDevice("switch-01")))
	require.ErrorIs(t, m.Verify(tok, WithExpectedDevice("switch-01")), ErrReplay)
}

func TestManager_TamperedTokenFails(t *testing.T) {
	t.Parallel()

	m := testManager(t, clockwork.NewFakeClock())

	cases := map[string]func(*Token){
		"device":  func(tok *Token) { tok.DeviceID = "switch-99" },
		"request": func(tok *Token) { tok.RequestID = "req-other" },
		"expiry":  func(tok *Token) { tok.ExpiresAt = tok.ExpiresAt.Add(time.Hour) },
		"nonce":   func(tok *Token) { tok.Nonce = strings.Repeat("0", 64) },
		"issuer":  func(tok *Token) { tok.IssuedBy = "impostor" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tok, err := m.Issue("req-1", "switch-01", 0)
			require.NoError(t, err)
			mutate(tok)
			require.ErrorIs(t, m.Verify(tok), ErrInvalidSignature)
		})
	}
}

func TestManager_MissingSignature(t *testing.T) {
	t.Parallel()

	m := testManager(t, clockwork.NewFakeClock())
	tok, err := m.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)
	tok.Signature = ""
	require.ErrorIs(t, m.Verify(tok), ErrNoSignature)
}

func TestManager_Expiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := testManager(t, clock)
	tok, err := m.Issue("req-1", "switch-01", 10*time.Minute)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	require.ErrorIs(t, m.Verify(tok), ErrExpired)
}

func TestManager_DeviceMismatch(t *testing.T) {
	t.Parallel()

	m := testManager(t, clockwork.NewFakeClock())
	tok, err := m.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)
	require.ErrorIs(t, m.Verify(tok, WithExpectedDevice("switch-02")), ErrDeviceMismatch)

	// The mismatch check did not consume the nonce.
	require.NoError(t, m.Verify(tok, WithExpectedDevice("switch-01")))
}

func TestManager_Revoke(t *testing.T) {
	t.Parallel()

	m := testManager(t, clockwork.NewFakeClock())
	tok, err := m.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)
	m.Revoke(tok)
	require.ErrorIs(t, m.Verify(tok), ErrReplay)
}

func TestManager_CrossManagerVerification(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	issuer := testManager(t, clock)

	// The executing local controller shares the secret and verifies
	// tokens it did not issue.
	verifier, err := NewManager(Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		ControllerID: "local_cntl_zone-A_1",
		Secret:       []byte("0123456789abcdef0123456789abcdef"),
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(verifier.Close)

	tok, err := issuer.Issue("req-1", "switch-01", 0)
	require.NoError(t, err)
	require.NoError(t, verifier.Verify(tok, WithExpectedDevice("switch-01")))
}
