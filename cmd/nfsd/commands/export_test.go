package commands

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunExportRendersJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exports", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"share","backend":"memfs"}]`))
	}))
	defer ts.Close()

	exportServerURL = ts.URL
	exportToken = "secret"
	exportOutput = "json"
	defer func() {
		exportServerURL = "http://127.0.0.1:8080"
		exportToken = ""
		exportOutput = "table"
	}()

	cmd := exportCmd
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, runExport(cmd, nil))
	require.Contains(t, buf.String(), "share")
	require.Contains(t, buf.String(), "memfs")
}

func TestRunExportRejectsServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	exportServerURL = ts.URL
	exportToken = ""
	exportOutput = "table"
	defer func() { exportServerURL = "http://127.0.0.1:8080" }()

	cmd := exportCmd
	require.Error(t, runExport(cmd, nil))
}
