package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/nfs4"
	"github.com/driftfs/nfsd/pkg/vfs/backend/memfs"
)

type fakeSource struct {
	table    *mount.Table
	sessions []nfs4.SessionSummary
}

func (f *fakeSource) Table() *mount.Table            { return f.table }
func (f *fakeSource) Sessions() []nfs4.SessionSummary { return f.sessions }

func newFakeSource() *fakeSource {
	backend := memfs.New(1)
	table := mount.NewTable([]mount.Export{{Name: "share", RootFH: backend.RootFH(), Backend: backend}})
	return &fakeSource{
		table: table,
		sessions: []nfs4.SessionSummary{
			{SessionID: "aa", ClientID: 1},
			{SessionID: "bb", ClientID: 2},
		},
	}
}

const testSecret = "test-secret"

func TestExportsRequiresBearerToken(t *testing.T) {
	s := New(newFakeSource(), testSecret)
	req := httptest.NewRequest(http.MethodGet, "/exports", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExportsWithValidToken(t *testing.T) {
	s := New(newFakeSource(), testSecret)
	token, err := IssueToken(testSecret, jwt.RegisteredClaims{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/exports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "share")
}

func TestSessionsFilterByClientID(t *testing.T) {
	s := New(newFakeSource(), testSecret)
	token, err := IssueToken(testSecret, jwt.RegisteredClaims{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sessions?client_id=2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "bb")
	require.NotContains(t, w.Body.String(), "aa")
}

func TestWrongSigningSecretRejected(t *testing.T) {
	s := New(newFakeSource(), testSecret)
	token, err := IssueToken("other-secret", jwt.RegisteredClaims{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/exports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
