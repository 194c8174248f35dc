package keys

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeriveKeyID_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := DeriveKeyID("global_cntl_1", "regional_cntl_zone-A_1")
	b := DeriveKeyID("regional_cntl_zone-A_1", "global_cntl_1")
	require.Equal(t, a, b)
	require.Equal(t, "key_global_cntl_1_regional_cntl_zone-A_1", a)
}

func TestManager_SetGetDelete(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testLogger())
	require.NoError(t, err)

	require.ErrorIs(t, m.Set("k", []byte("short")), ErrKeyTooShort)

	key, err := m.Generate("k1")
	require.NoError(t, err)
	require.Len(t, key, 32)

	got, ok := m.Get("k1")
	require.True(t, ok)
	require.Equal(t, key, got)

	// Stored material is isolated from caller mutation.
	got[0] ^= 0xff
	again, _ := m.Get("k1")
	require.Equal(t, key[1:], again[1:])
	require.NotEqual(t, got[0], again[0])

	m.Delete("k1")
	_, ok = m.Get("k1")
	require.False(t, ok)
}

func TestExchange_BothSidesDeriveSameSecret(t *testing.T) {
	t.Parallel()

	initiator, err := NewExchange()
	require.NoError(t, err)
	responder, err := NewExchange()
	require.NoError(t, err)

	s1, err := initiator.SharedSecret(responder.PublicKeyHex())
	require.NoError(t, err)
	s2, err := responder.SharedSecret(initiator.PublicKeyHex())
	require.NoError(t, err)

	require.Len(t, s1, 32)
	require.Equal(t, s1, s2)
}

func TestExchange_RejectsInvalidPublicKey(t *testing.T) {
	t.Parallel()

	ex, err := NewExchange()
	require.NoError(t, err)

	_, err = ex.SharedSecret("not-hex")
	require.ErrorIs(t, err, ErrInvalidPublicKey)
	_, err = ex.SharedSecret("00")
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestProtocol_ThreeMessageAgreement(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	mgrA, err := NewManager(testLogger())
	require.NoError(t, err)
	mgrB, err := NewManager(testLogger())
	require.NoError(t, err)

	protoA, err := NewProtocol(testLogger(), "regional_cntl_zone-A_1", mgrA, clock)
	require.NoError(t, err)
	protoB, err := NewProtocol(testLogger(), "global_cntl_1", mgrB, clock)
	require.NoError(t, err)

	init, err := protoA.Initiate("global_cntl_1")
	require.NoError(t, err)

	resp, err := protoB.Respond(init)
	require.NoError(t, err)

	require.NoError(t, protoA.Finalize("global_cntl_1", resp))

	keyID := DeriveKeyID("regional_cntl_zone-A_1", "global_cntl_1")
	ka, ok := mgrA.Get(keyID)
	require.True(t, ok)
	kb, ok := mgrB.Get(keyID)
	require.True(t, ok)
	require.Equal(t, ka, kb)

	// The exchange is single-use.
	require.ErrorIs(t, protoA.Finalize("global_cntl_1", resp), ErrNoActiveExchange)
}

func TestRotationScheduler_DueAndRollover(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	mgr, err := NewManager(testLogger())
	require.NoError(t, err)
	sched, err := NewRotationScheduler(testLogger(), mgr, clock, 24*time.Hour)
	require.NoError(t, err)

	_, err = mgr.Generate("key_a_b")
	require.NoError(t, err)
	sched.Register("key_a_b")
	require.Empty(t, sched.Due())

	clock.Advance(24*time.Hour + time.Minute)
	require.Equal(t, []string{"key_a_b"}, sched.Due())

	newID, err := sched.Initiate("key_a_b")
	require.NoError(t, err)
	require.Equal(t, "key_a_b_v2", newID)

	// Old key survives until completion.
	_, ok := mgr.Get("key_a_b")
	require.True(t, ok)
	_, ok = mgr.Get(newID)
	require.True(t, ok)
	require.Empty(t, sched.Due())

	sched.Complete("key_a_b")
	_, ok = mgr.Get("key_a_b")
	require.False(t, ok)
}

func TestNextVersionID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "key_a_b_v2", nextVersionID("key_a_b"))
	require.Equal(t, "key_a_b_v3", nextVersionID("key_a_b_v2"))
}
