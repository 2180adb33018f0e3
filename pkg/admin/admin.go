// Package admin is the server's optional, read-only operational HTTP
// surface: export/session inspection for humans and monitoring tools,
// entirely separate from the NFS wire protocol. Disabled by default
// (config.AdminConfig.Enabled), and has no effect on NFS semantics.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/nfs4"
)

var validate = validator.New()

// ExportLister and SessionLister are the two read models this API
// exposes, narrowed to what pkg/server's Server actually offers so
// this package doesn't need to import it (the dependency runs the
// other way: pkg/server wires an admin.Server up using itself).
type ExportLister interface {
	Table() *mount.Table
}

type SessionLister interface {
	Sessions() []nfs4.SessionSummary
}

// Source is what an admin Server reads from to answer requests.
type Source interface {
	ExportLister
	SessionLister
}

// Server is the admin HTTP API.
type Server struct {
	router http.Handler
	source Source
}

// New builds an admin Server. token is the static HMAC secret used to
// both issue and verify bearer tokens (IssueToken/bearerAuth).
func New(source Source, token string) *Server {
	s := &Server{source: source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))
	r.Get("/exports", s.handleExports)
	r.Get("/sessions", s.handleSessions)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// exportView is the JSON shape returned by GET /exports.
type exportView struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	names := s.source.Table().Exports()
	views := make([]exportView, 0, len(names))
	for _, name := range names {
		export, ok := s.source.Table().Lookup(name)
		if !ok {
			continue
		}
		views = append(views, exportView{Name: name, Backend: export.Backend.Name()})
	}
	writeJSON(w, views)
}

// sessionQuery narrows GET /sessions to a single client id when set;
// the only admin-facing input this package validates, per the
// go-playground/validator/v10 request-body validation convention the
// rest of the corpus uses.
type sessionQuery struct {
	ClientID uint64 `validate:"omitempty,min=1"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := sessionQuery{}
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid client_id", http.StatusBadRequest)
			return
		}
		q.ClientID = id
	}
	if err := validate.Struct(q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessions := s.source.Sessions()
	if q.ClientID != 0 {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.ClientID == q.ClientID {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	writeJSON(w, sessions)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("admin: encode response failed", "error", err)
	}
}

// tokenClaims is the minimal claim set IssueToken mints and bearerAuth
// verifies: a fixed subject, no per-operator identity, since this API
// has exactly one privilege level (read-only).
type tokenClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints a bearer token HMAC-signed with secret, for an
// operator to hand to monitoring tools. Claims without ExpiresAt yield a
// token that never expires.
func IssueToken(secret string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = "nfsd-admin"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}

// bearerAuth rejects any request without a valid "Authorization: Bearer
// <token>" header signed with secret.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok || tokenStr == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			var claims tokenClaims
			_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || claims.Subject != "nfsd-admin" {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
