package payoutd_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PomeGroup/ontonbot-sub004/observability/logging"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
)

func adminRequest(t *testing.T, server *httptest.Server, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin")
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminDrivesPayoutRun(t *testing.T) {
	e := newEnv(t, 254)
	e.addOwner("event-1", 10_000, true)
	e.addJob(payoutd.Job{ID: "job-1", OwnerID: "event-1", Kind: "raffle", Title: "Raffle"}, 4)

	auth, err := payoutd.NewAuthenticator(payoutd.AuthConfig{BearerToken: "admin"})
	require.NoError(t, err)
	server := httptest.NewServer(payoutd.NewAdminServer(e.processor, e.repo, auth, logging.Discard()))
	t.Cleanup(server.Close)

	require.Equal(t, http.StatusNoContent, adminRequest(t, server, http.MethodPost, "/pause").StatusCode)
	require.Equal(t, http.StatusConflict, adminRequest(t, server, http.MethodPost, "/run").StatusCode)
	require.Zero(t, e.node.transferCount())
	require.Equal(t, http.StatusNoContent, adminRequest(t, server, http.MethodPost, "/resume").StatusCode)

	resp := adminRequest(t, server, http.MethodPost, "/run")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report payoutd.TickReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Jobs, 1)
	require.Equal(t, payoutd.OutcomeCompleted, report.Jobs[0].Outcome)

	resp = adminRequest(t, server, http.MethodGet, "/jobs/job-1/settlements?format=csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, resp.Header.Get("X-Checksum-SHA256"), 64)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 5)
	require.Contains(t, lines[1], ",true,")

	resp = adminRequest(t, server, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status payoutd.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.False(t, status.Paused)
	require.NotNil(t, status.LastTick)
}
