package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haikara-dev/gridshift/auth"
	"github.com/haikara-dev/gridshift/core/model"
)

func TestFetchParsesWindows(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"windows":[
			{"id":"w1","start":"2025-11-24T10:00:00Z","end":"2025-11-24T11:00:00Z","price_per_kwh":0.18,"carbon_intensity_gco2_kwh":140,"capacity_kw":900},
			{"id":"","start":"2025-11-24T11:00:00Z","end":"2025-11-24T12:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	from := time.Date(2025, 11, 24, 10, 0, 0, 0, time.UTC)
	windows, err := c.Fetch(context.Background(), from, 6*time.Hour)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, "w1", windows[0].ID)
	require.Equal(t, model.SourceProvider, windows[0].Source)
	require.Contains(t, gotQuery, "start=2025-11-24T10%3A00%3A00Z")
	require.Contains(t, gotQuery, "end=2025-11-24T16%3A00%3A00Z")
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), time.Now(), time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestFetchSendsBearerToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{"windows":[]}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL: srv.URL,
		Auth:    auth.Conf{ClientID: "id", ClientSecret: "secret", AuthURL: tokenSrv.URL},
	})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), time.Now(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", authHeader)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
