package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xatm/config"
)

func TestOpenResources(t *testing.T) {
	dir := t.TempDir()
	factories, closers, err := openResources([]config.ResourceConfig{
		{Name: "orders", Kind: config.KindBolt, Path: filepath.Join(dir, "orders.db"), FactoryID: "orders-1"},
		{Name: "scratch", Kind: config.KindMemory, FactoryID: "scratch"},
	})
	require.NoError(t, err)
	require.Len(t, factories, 2)
	require.Len(t, closers, 1, "only durable resource managers need closing")
	defer closers[0].Close()

	assert.Equal(t, "orders-1", factories[0].ID())
	assert.Equal(t, "orders", factories[0].ResourceManager())
	assert.Equal(t, "scratch", factories[1].ResourceManager())

	_, _, err = openResources([]config.ResourceConfig{{Name: "x", Kind: "redis"}})
	assert.Error(t, err)
}

func TestCall(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr bool
	}{
		{name: "ok", code: http.StatusOK, body: `{"active":1}`},
		{name: "partial recovery", code: http.StatusAccepted, body: `{"error":"stock unreachable"}`},
		{name: "not found", code: http.StatusNotFound, body: `"unknown transaction"`, wantErr: true},
		{name: "not json", code: http.StatusOK, body: `<html>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			adminAddr = srv.URL
			defer func() { adminAddr = "" }()

			err := call("GET", "/api/v1/status")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "/api/v1/status", gotPath)
		})
	}
}

func TestBaseURL(t *testing.T) {
	adminAddr = "127.0.0.1:7420/"
	defer func() { adminAddr = "" }()
	u, err := baseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7420", u)
}
