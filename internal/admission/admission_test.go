package admission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/nib"
)

var bootstrapSecret = []byte("pdsno-test-bootstrap-secret-32bytes!")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, clock clockwork.Clock) *nib.Store {
	t.Helper()
	db, err := nib.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := nib.NewStore(nib.StoreConfig{
		Logger: testLogger(),
		DB:     db,
		Secret: bootstrapSecret,
		Clock:  clock,
	})
	require.NoError(t, err)
	return store
}

func testValidator(t *testing.T, clock clockwork.Clock, store *nib.Store) *Validator {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := NewValidator(Config{
		Logger:          testLogger(),
		Clock:           clock,
		Store:           store,
		SelfID:          "global_cntl_1",
		Role:            nib.RoleGlobal,
		BootstrapSecret: bootstrapSecret,
		SigningKey:      key,
		AllowedRegions:  []string{"zone-A", "zone-B"},
		RegionQuota:     2,
		Blocklist:       []string{"temp-banned"},
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	require.NoError(t, v.LoadSequences(context.Background()))
	return v
}

func newCandidate(t *testing.T, tempID, region, ctype string) *Candidate {
	t.Helper()
	c, err := NewCandidate(testLogger(), tempID, region, ctype)
	require.NoError(t, err)
	return c
}

// runAdmission drives the full protocol and returns the final result.
func runAdmission(t *testing.T, v *Validator, c *Candidate) *envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	req := c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil)
	challenge := v.HandleValidationRequest(ctx, req)
	if challenge.MessageType != envelope.TypeChallenge {
		return challenge
	}
	resp, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	return v.HandleChallengeResponse(ctx, resp)
}

func TestAdmission_HappyPathRegional(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	result := runAdmission(t, v, c)
	require.Equal(t, envelope.TypeValidationResult, result.MessageType)
	require.Equal(t, StatusApproved, result.Payload["status"])
	require.Equal(t, "regional_cntl_zone-A_1", result.Payload["assigned_id"])

	status, _, err := c.ConsumeResult(result)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, status)
	require.Equal(t, "regional_cntl_zone-A_1", c.AssignedID)
	require.NotNil(t, c.Delegation)
	require.NotNil(t, c.Certificate)

	// Controller row persisted as active, validated by the global.
	row, err := store.GetController(context.Background(), "regional_cntl_zone-A_1")
	require.NoError(t, err)
	require.Equal(t, nib.ControllerActive, row.Status)
	require.Equal(t, "global_cntl_1", row.ValidatedBy)
	require.False(t, row.ValidatedAt.IsZero())

	// Audit event written alongside.
	events, err := store.QueryEvents(context.Background(), nib.EventQuery{
		EventType: "CONTROLLER_VALIDATED",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "regional_cntl_zone-A_1", events[0].Details["assigned_id"])
}

func TestAdmission_SequenceIncrementsPerRole(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)

	first := runAdmission(t, v, newCandidate(t, "temp-rc-1", "zone-A", "regional"))
	require.Equal(t, "regional_cntl_zone-A_1", first.Payload["assigned_id"])

	second := runAdmission(t, v, newCandidate(t, "temp-rc-2", "zone-B", "regional"))
	require.Equal(t, "regional_cntl_zone-B_2", second.Payload["assigned_id"])

	local := runAdmission(t, v, newCandidate(t, "temp-lc-1", "zone-A", "local"))
	require.Equal(t, "local_cntl_zone-A_1", local.Payload["assigned_id"])
}

func TestAdmission_SequenceRecoveredFromNIB(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)

	_, err := store.UpsertController(context.Background(), &nib.Controller{
		ControllerID: "regional_cntl_zone-A_7",
		Role:         nib.RoleRegional,
		Region:       "zone-A",
		Status:       nib.ControllerActive,
	})
	require.NoError(t, err)

	v := testValidator(t, clock, store)
	result := runAdmission(t, v, newCandidate(t, "temp-rc-9", "zone-B", "regional"))
	require.Equal(t, "regional_cntl_zone-B_8", result.Payload["assigned_id"])
}

func TestAdmission_StaleTimestamp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	req := c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil)
	req.Timestamp = clock.Now().UTC().Add(-10 * time.Minute)
	result := v.HandleValidationRequest(context.Background(), req)

	require.Equal(t, envelope.TypeValidationResult, result.MessageType)
	require.Equal(t, StatusRejected, result.Payload["status"])
	require.Equal(t, ReasonStaleTimestamp, result.Payload["reason"])

	// No NIB writes happened.
	regionals, err := store.ControllersByRole(context.Background(), nib.RoleRegional)
	require.NoError(t, err)
	require.Empty(t, regionals)
}

func TestAdmission_FutureTimestamp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	req := c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil)
	req.Timestamp = clock.Now().UTC().Add(10 * time.Minute)
	result := v.HandleValidationRequest(context.Background(), req)
	require.Equal(t, ReasonFutureTimestamp, result.Payload["reason"])
}

func TestAdmission_InvalidBootstrapToken(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	req := c.BuildValidationRequest("global_cntl_1", []byte("wrong-secret-but-still-32-bytes!"), nil)
	result := v.HandleValidationRequest(context.Background(), req)
	require.Equal(t, ReasonInvalidBootstrapToken, result.Payload["reason"])
}

func TestAdmission_BootstrapTokenSingleUse(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	first := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	require.Equal(t, envelope.TypeChallenge, first.MessageType)

	second := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	require.Equal(t, ReasonInvalidBootstrapToken, second.Payload["reason"])
}

func TestAdmission_Blocklisted(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-banned", "zone-A", "regional")

	result := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	require.Equal(t, ReasonBlocklisted, result.Payload["reason"])
}

func TestAdmission_UnknownChallenge(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))

	resp := envelope.New(envelope.TypeChallengeResponse, "temp-rc-1", "global_cntl_1", map[string]any{
		"challenge_id": "challenge-nope",
		"temp_id":      "temp-rc-1",
		"signed_nonce": "00",
	})
	result := v.HandleChallengeResponse(context.Background(), resp)
	require.Equal(t, ReasonUnknownChallenge, result.Payload["reason"])
}

func TestAdmission_ChallengeExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	challenge := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	require.Equal(t, envelope.TypeChallenge, challenge.MessageType)

	clock.Advance(ChallengeTTL + time.Second)
	resp, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	result := v.HandleChallengeResponse(context.Background(), resp)
	require.Equal(t, ReasonChallengeExpired, result.Payload["reason"])
}

func TestAdmission_TempIDMismatch(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	challenge := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	resp, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	resp.Payload["temp_id"] = "temp-rc-impostor"

	result := v.HandleChallengeResponse(context.Background(), resp)
	require.Equal(t, ReasonTempIDMismatch, result.Payload["reason"])
}

func TestAdmission_InvalidSignatureAndChallengeConsumed(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	v := testValidator(t, clock, testStore(t, clock))
	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")

	challenge := v.HandleValidationRequest(context.Background(),
		c.BuildValidationRequest("global_cntl_1", bootstrapSecret, nil))
	resp, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	resp.Payload["signed_nonce"] = hex.EncodeToString(make([]byte, ed25519.SignatureSize))

	result := v.HandleChallengeResponse(context.Background(), resp)
	require.Equal(t, ReasonInvalidSignature, result.Payload["reason"])

	// The challenge was consumed by the failed attempt.
	good, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	retry := v.HandleChallengeResponse(context.Background(), good)
	require.Equal(t, ReasonUnknownChallenge, retry.Payload["reason"])
}

func TestAdmission_PolicyRejections(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)

	badType := runAdmission(t, v, newCandidate(t, "temp-x-1", "zone-A", "superglobal"))
	require.Equal(t, ReasonTypeNotPermitted, badType.Payload["reason"])

	badRegion := runAdmission(t, v, newCandidate(t, "temp-rc-2", "zone-Z", "regional"))
	require.Equal(t, ReasonInvalidRegion, badRegion.Payload["reason"])
}

func TestAdmission_QuotaExceeded(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	v := testValidator(t, clock, store)

	for i, temp := range []string{"temp-rc-1", "temp-rc-2"} {
		result := runAdmission(t, v, newCandidate(t, temp, "zone-A", "regional"))
		require.Equal(t, StatusApproved, result.Payload["status"], "candidate %d", i)
	}
	third := runAdmission(t, v, newCandidate(t, "temp-rc-3", "zone-A", "regional"))
	require.Equal(t, StatusRejected, third.Payload["status"])
	require.Equal(t, ReasonQuotaExceeded, third.Payload["reason"])
}

func TestAdmission_CertificateVerifiesAgainstIssuer(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v, err := NewValidator(Config{
		Logger:          testLogger(),
		Clock:           clock,
		Store:           store,
		SelfID:          "global_cntl_1",
		Role:            nib.RoleGlobal,
		BootstrapSecret: bootstrapSecret,
		SigningKey:      key,
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)

	c := newCandidate(t, "temp-rc-1", "zone-A", "regional")
	result := runAdmission(t, v, c)
	require.Equal(t, StatusApproved, result.Payload["status"])

	cert := result.Payload["certificate"].(*Certificate)
	require.True(t, VerifyCertificate(pub, cert))
	tampered := *cert
	tampered.Region = "zone-Z"
	require.False(t, VerifyCertificate(pub, &tampered))

	delegation := result.Payload["delegation_credential"].(*Delegation)
	require.True(t, VerifyDelegation(pub, delegation, "zone-A"))
	require.False(t, VerifyDelegation(pub, delegation, "zone-B"))
}

func TestDelegatedValidator_AdmitsLocals(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)

	globalPub, globalKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	delegation, err := NewDelegation("global_cntl_1", globalKey, "zone-A")
	require.NoError(t, err)

	_, regionalKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	regional, err := NewValidator(Config{
		Logger:          testLogger(),
		Clock:           clock,
		Store:           store,
		SelfID:          "regional_cntl_zone-A_1",
		Role:            nib.RoleRegional,
		BootstrapSecret: bootstrapSecret,
		SigningKey:      regionalKey,
		IssuerPublicKey: globalPub,
		Delegation:      delegation,
		PermittedTypes:  []nib.ControllerRole{nib.RoleLocal},
		AllowedRegions:  []string{"zone-A"},
	})
	require.NoError(t, err)
	t.Cleanup(regional.Close)
	require.NoError(t, regional.LoadSequences(context.Background()))

	result := runAdmissionAgainst(t, regional, "regional_cntl_zone-A_1",
		newCandidate(t, "temp-lc-1", "zone-A", "local"))
	require.Equal(t, StatusApproved, result.Payload["status"])
	require.Equal(t, "local_cntl_zone-A_1", result.Payload["assigned_id"])
}

func TestDelegatedValidator_RequiresValidDelegation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := testStore(t, clock)

	globalPub, globalKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	delegation, err := NewDelegation("global_cntl_1", globalKey, "zone-A")
	require.NoError(t, err)
	delegation.Region = "zone-B" // breaks the signature

	_, regionalKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = NewValidator(Config{
		Logger:          testLogger(),
		Clock:           clock,
		Store:           store,
		SelfID:          "regional_cntl_zone-B_1",
		Role:            nib.RoleRegional,
		BootstrapSecret: bootstrapSecret,
		SigningKey:      regionalKey,
		IssuerPublicKey: globalPub,
		Delegation:      delegation,
	})
	require.Error(t, err)
}

func runAdmissionAgainst(t *testing.T, v *Validator, validatorID string, c *Candidate) *envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	challenge := v.HandleValidationRequest(ctx,
		c.BuildValidationRequest(validatorID, bootstrapSecret, nil))
	if challenge.MessageType != envelope.TypeChallenge {
		return challenge
	}
	resp, err := c.BuildChallengeResponse(challenge)
	require.NoError(t, err)
	return v.HandleChallengeResponse(ctx, resp)
}
