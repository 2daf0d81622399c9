package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/data"
	"energy-monitor/internal/session"
)

func staticToken(tok string) TokenSource {
	return TokenFunc(func() string { return tok })
}

func TestClient_Login_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "login is the only unauthorized call")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "admin", body["username"])

		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123",
			"token_type":   "bearer",
			"role":         "admin",
			"username":     "admin",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken(""), time.Second)
	token, role, user, err := c.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, "admin", role)
	assert.Equal(t, "admin", user)
}

func TestClient_Login_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "incorrect username or password", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken(""), time.Second)
	_, _, _, err := c.Login(context.Background(), "admin", "wrong")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestClient_AuthorizedCallsCarryBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(data.DashboardSummary{SystemStatus: "operational"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok-xyz"), time.Second)
	summary, err := c.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-xyz", gotAuth)
	assert.Equal(t, "operational", summary.SystemStatus)
}

func TestClient_UnauthorizedMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("stale"), time.Second)

	_, err := c.Devices(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.Acknowledge(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_AlertsRequestsUnacknowledgedOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/alerts", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("acknowledged"))
		json.NewEncoder(w).Encode([]data.Alert{{ID: "a1"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), time.Second)
	alerts, err := c.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)
}

func TestClient_Acknowledge_SendsAlertID(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/alerts/acknowledge", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"message": "Alert acknowledged"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), time.Second)
	require.NoError(t, c.Acknowledge(context.Background(), "alert-9"))
	assert.Equal(t, "alert-9", got["alert_id"])
}

func TestClient_ServerErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), time.Second)
	_, err := c.Readings(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_ContextCancellationAbortsRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, staticToken("tok"), 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Summary(ctx)
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not abort")
	}
}

func TestClient_SimulationEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), time.Second)
	require.NoError(t, c.StartSimulation(context.Background()))
	require.NoError(t, c.StopSimulation(context.Background()))
	assert.Equal(t, []string{"/api/simulation/start", "/api/simulation/stop"}, paths)
}
