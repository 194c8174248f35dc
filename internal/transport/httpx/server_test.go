package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/internal/auth"
	"github.com/pdsno/pdsno/internal/envelope"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, authn *auth.Authenticator) (*Server, *httptest.Server) {
	t.Helper()
	cfg := ServerConfig{
		Logger:       testLogger(),
		ControllerID: "global_cntl_1",
		Addr:         "127.0.0.1:0",
	}
	if authn != nil {
		cfg.Sign = authn.Sign
		cfg.Verify = func(env *envelope.Envelope) error { return authn.Verify(env) }
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	_, ts := testServer(t, nil)
	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "global_cntl_1", health["controller_id"])
	require.NotEmpty(t, health["timestamp"])
}

func TestServer_Info(t *testing.T) {
	t.Parallel()

	s, ts := testServer(t, nil)
	s.RegisterHandler(envelope.TypeValidationRequest, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	})
	s.RegisterHandler(envelope.TypeHeartbeat, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	})

	resp, err := http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info struct {
		ControllerID string   `json:"controller_id"`
		Handlers     []string `json:"handlers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, "global_cntl_1", info.ControllerID)
	require.Equal(t, []string{"HEARTBEAT", "VALIDATION_REQUEST"}, info.Handlers)
}

func TestServer_MessageDispatchAndAcceptedFallback(t *testing.T) {
	t.Parallel()

	s, ts := testServer(t, nil)
	s.RegisterHandler(envelope.TypeHeartbeat, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	})
	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	resp, err := client.Send(context.Background(),
		envelope.New(envelope.TypeHeartbeat, "lc-1", "global_cntl_1", nil))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestServer_PathTypeMustMatchEnvelope(t *testing.T) {
	t.Parallel()

	s, ts := testServer(t, nil)
	s.RegisterHandler(envelope.TypeHeartbeat, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	})

	env := envelope.New(envelope.TypeHeartbeat, "lc-1", "global_cntl_1", nil)
	body, err := env.Marshal()
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/message/sync_request", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var detail map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	require.Contains(t, detail["detail"], "does not match")
}

func TestServer_NoHandlerIs404(t *testing.T) {
	t.Parallel()

	_, ts := testServer(t, nil)
	env := envelope.New(envelope.TypeHeartbeat, "lc-1", "global_cntl_1", nil)
	body, _ := env.Marshal()

	resp, err := http.Post(ts.URL+"/message/heartbeat", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SignedRoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	serverAuth, err := auth.New(auth.Config{
		Logger:       testLogger(),
		ControllerID: "global_cntl_1",
		Secret:       secret,
	})
	require.NoError(t, err)
	t.Cleanup(serverAuth.Close)

	clientAuth, err := auth.New(auth.Config{
		Logger:       testLogger(),
		ControllerID: "lc-1",
		Secret:       secret,
	})
	require.NoError(t, err)
	t.Cleanup(clientAuth.Close)

	s, ts := testServer(t, serverAuth)
	s.RegisterHandler(envelope.TypeSyncRequest, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return env.Reply(envelope.TypeSyncResponse, map[string]any{"ok": true}), nil
	})

	client, err := NewClient(ts.URL,
		WithClientSigner(clientAuth.Sign),
		WithClientVerifier(func(env *envelope.Envelope) error { return clientAuth.Verify(env) }),
	)
	require.NoError(t, err)

	resp, err := client.Send(context.Background(),
		envelope.New(envelope.TypeSyncRequest, "lc-1", "global_cntl_1", map[string]any{"q": 1}))
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, envelope.TypeSyncResponse, resp.MessageType)
	require.NotEmpty(t, resp.Signature)
	require.Equal(t, true, resp.Payload["ok"])
}

func TestServer_UnsignedMessageRejectedWhenVerifying(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	serverAuth, err := auth.New(auth.Config{
		Logger:       testLogger(),
		ControllerID: "global_cntl_1",
		Secret:       secret,
	})
	require.NoError(t, err)
	t.Cleanup(serverAuth.Close)

	s, ts := testServer(t, serverAuth)
	s.RegisterHandler(envelope.TypeSyncRequest, func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	})

	env := envelope.New(envelope.TypeSyncRequest, "lc-1", "global_cntl_1", nil)
	body, _ := env.Marshal()
	resp, err := http.Post(ts.URL+"/message/sync_request", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
