package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshfed/pkg/federation"
)

func TestStatusURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{":9464", "http://localhost:9464/status"},
		{"10.0.0.2:9464", "http://10.0.0.2:9464/status"},
		{"http://site-a:9464/", "http://site-a:9464/status"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, statusURL(tt.address))
		})
	}
}

func TestFetchAndRenderStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := []federation.SiteStatus{
		{SiteID: "alpha", Status: federation.StatusConnected, BrokerURL: "tcp://alpha:1883", Since: now.Add(-90 * time.Second)},
		{SiteID: "bravo", Status: federation.StatusError, Message: "connection refused", Since: now.Add(-2 * time.Hour)},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer server.Close()

	got, err := fetchStatus(context.Background(), server.URL)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, federation.StatusError, got[1].Status)

	out := renderStatus(got, now)
	assert.Contains(t, out, "Sites 1/2 connected")
	assert.Contains(t, out, "CONNECTED")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "1m")
	assert.Contains(t, out, "2h")

	assert.Contains(t, renderStatus(nil, now), "No sites configured")
}

func TestFetchStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := fetchStatus(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}
