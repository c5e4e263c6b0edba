package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := New(srv.URL, "test-token")
	return client, srv.Close
}

func TestListConnectors_FiltersByManagerID(t *testing.T) {
	client, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		resp := graphqlResponse{
			Data: mustMarshal(map[string]any{
				"managedConnectors": []ManagedConnector{
					{ID: "c1", ManagerID: "mine"},
					{ID: "c2", ManagerID: "someone-else"},
				},
			}),
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer closeSrv()

	connectors, err := client.ListConnectors(context.Background(), "mine")
	require.NoError(t, err)
	require.Len(t, connectors, 1)
	assert.Equal(t, "c1", connectors[0].ID)
}

func TestDo_SchemaUnknownDowngradesAndCaches(t *testing.T) {
	calls := 0
	client, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := graphqlResponse{
			Errors: []graphqlError{{Message: "unknown field", Extensions: struct {
				Code string `json:"code"`
			}{Code: "FIELD_UNKNOWN"}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer closeSrv()

	err := client.ReportHealth(context.Background(), "c1", HealthReport{})
	require.Error(t, err)
	var mismatch *ProtocolMismatch
	require.ErrorAs(t, err, &mismatch)

	// Second call is skipped entirely — no HTTP request made.
	err = client.ReportHealth(context.Background(), "c1", HealthReport{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	client, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeSrv()

	err := client.Ping(context.Background(), "mine")
	require.Error(t, err)
	var platErr *Error
	require.ErrorAs(t, err, &platErr)
	assert.True(t, platErr.Transient)
}

func TestDo_ClientErrorIsNotTransient(t *testing.T) {
	client, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeSrv()

	err := client.Ping(context.Background(), "mine")
	require.Error(t, err)
	var platErr *Error
	require.ErrorAs(t, err, &platErr)
	assert.False(t, platErr.Transient)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
