package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_NewPopulatesIdentity(t *testing.T) {
	t.Parallel()

	env := New(TypeHeartbeat, "local_cntl_zone-A_1", "regional_cntl_zone-A_1", nil)
	require.NotEmpty(t, env.MessageID)
	require.Equal(t, TypeHeartbeat, env.MessageType)
	require.NotNil(t, env.Payload)
	require.False(t, env.Timestamp.IsZero())
	require.Equal(t, time.UTC, env.Timestamp.Location())
}

func TestEnvelope_ReplyCorrelates(t *testing.T) {
	t.Parallel()

	req := New(TypeValidationRequest, "temp-rc-1", "global_cntl_1", map[string]any{"temp_id": "temp-rc-1"})
	resp := req.Reply(TypeValidationResult, map[string]any{"status": "REJECTED"})

	require.Equal(t, req.MessageID, resp.CorrelationID)
	require.Equal(t, req.RecipientID, resp.SenderID)
	require.Equal(t, req.SenderID, resp.RecipientID)
}

func TestEnvelope_CanonicalBytesDeterministic(t *testing.T) {
	t.Parallel()

	env := New(TypeDiscoveryReport, "a", "b", map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"y": 2, "x": 1},
	})
	first, err := env.CanonicalBytes()
	require.NoError(t, err)
	second, err := env.CanonicalBytes()
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Keys come out sorted at every level.
	require.Less(t,
		indexOf(t, first, `"alpha"`),
		indexOf(t, first, `"zeta"`))
}

func TestEnvelope_CanonicalBytesExcludeSignatureFields(t *testing.T) {
	t.Parallel()

	env := New(TypeHeartbeat, "a", "b", nil)
	base, err := env.CanonicalBytes()
	require.NoError(t, err)

	env.Signature = "deadbeef"
	env.SignatureAlgorithm = "HMAC-SHA256"
	withSig, err := env.CanonicalBytes()
	require.NoError(t, err)
	require.Equal(t, base, withSig)

	// Nonce and signed_at are covered once present.
	env.Nonce = "00ff"
	env.SignedAt = "2026-01-02T03:04:05Z"
	withNonce, err := env.CanonicalBytes()
	require.NoError(t, err)
	require.NotEqual(t, base, withNonce)
}

func TestEnvelope_UnmarshalRejectsUnknownType(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(map[string]any{
		"message_id":   "msg-1",
		"message_type": "NOT_A_TYPE",
		"sender_id":    "a",
		"recipient_id": "b",
		"timestamp":    time.Now().UTC(),
		"payload":      map[string]any{},
	})
	require.NoError(t, err)

	_, err = Unmarshal(raw)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestEnvelope_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	env := New(TypeConfigProposal, "lc", "rc", map[string]any{"device_id": "switch-01"})
	env.CorrelationID = "msg-parent"
	raw, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, env.MessageID, decoded.MessageID)
	require.Equal(t, env.MessageType, decoded.MessageType)
	require.Equal(t, "switch-01", decoded.Payload["device_id"])
	require.Equal(t, "msg-parent", decoded.CorrelationID)
}

func indexOf(t *testing.T, b []byte, sub string) int {
	t.Helper()
	idx := -1
	for i := 0; i+len(sub) <= len(b); i++ {
		if string(b[i:i+len(sub)]) == sub {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0, "substring %q not found", sub)
	return idx
}
