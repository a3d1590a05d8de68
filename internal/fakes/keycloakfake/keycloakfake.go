// Package keycloakfake is an in-memory stand-in for the Keycloak admin REST API.
package keycloakfake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/authprobe/internal/fakes/recorder"
	"github.com/kuitang/authprobe/internal/keycloak"
)

// Options configures the fake realm.
type Options struct {
	Realm         string
	AdminUsername string
	AdminPassword string
	TokenTTL      time.Duration
}

type storedUser struct {
	keycloak.User
	passwordHash []byte
}

// Server serves the token endpoint of the admin realm and the users API of one realm.
type Server struct {
	*httptest.Server
	recorder.Recorder

	opts       Options
	signingKey []byte

	mu    sync.Mutex
	users map[string]*storedUser // id -> user
}

// New starts the fake. Close it with Close.
func New(opts Options) *Server {
	if opts.Realm == "" {
		opts.Realm = "proconnect-mock"
	}
	if opts.AdminUsername == "" {
		opts.AdminUsername = "admin"
	}
	if opts.AdminPassword == "" {
		opts.AdminPassword = "admin"
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Minute
	}
	s := &Server{
		opts:       opts,
		signingKey: []byte(uuid.NewString()),
		users:      make(map[string]*storedUser),
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	s.Server = httptest.NewServer(s.Middleware(mux))
	return s
}

// ClientConfig returns client settings pointing at this fake.
func (s *Server) ClientConfig() keycloak.Config {
	return keycloak.Config{
		BaseURL:  s.URL,
		Realm:    s.opts.Realm,
		Username: s.opts.AdminUsername,
		Password: s.opts.AdminPassword,
	}
}

// RegisterRoutes registers the admin endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", s.handleToken)
	mux.HandleFunc("POST /admin/realms/{realm}/users", s.requireAdmin(s.handleCreate))
	mux.HandleFunc("GET /admin/realms/{realm}/users", s.requireAdmin(s.handleSearch))
	mux.HandleFunc("GET /admin/realms/{realm}/users/{id}", s.requireAdmin(s.handleGet))
	mux.HandleFunc("PUT /admin/realms/{realm}/users/{id}/reset-password", s.requireAdmin(s.handleResetPassword))
	mux.HandleFunc("DELETE /admin/realms/{realm}/users/{id}", s.requireAdmin(s.handleDelete))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PathValue("realm") != "master" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm does not exist"})
		return
	}
	if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("client_id") != "admin-cli" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unauthorized_client"})
		return
	}
	if r.PostForm.Get("username") != s.opts.AdminUsername || r.PostForm.Get("password") != s.opts.AdminPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid user credentials",
		})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.URL + "/realms/master",
		Subject:   s.opts.AdminUsername,
		Audience:  jwt.ClaimStrings{"admin-cli"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   int(s.opts.TokenTTL.Seconds()),
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
			return
		}
		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
			return
		}
		if r.PathValue("realm") != s.opts.Realm {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm not found."})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in keycloak.User
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid user"})
		return
	}
	in.Username = strings.ToLower(in.Username)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == in.Username {
			writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
			return
		}
		if in.Email != "" && strings.EqualFold(u.Email, in.Email) {
			writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same email"})
			return
		}
	}
	in.ID = uuid.NewString()
	s.users[in.ID] = &storedUser{User: in}
	w.Header().Set("Location", s.URL+r.URL.Path+"/"+in.ID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := strings.ToLower(q.Get("username"))
	exact := q.Get("exact") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []keycloak.User{}
	for _, u := range s.users {
		if username == "" ||
			(exact && u.Username == username) ||
			(!exact && strings.Contains(u.Username, username)) {
			out = append(out, u.User)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u, ok := s.users[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, u.User)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var cred struct {
		Type      string `json:"type"`
		Value     string `json:"value"`
		Temporary bool   `json:"temporary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil || cred.Type != "password" || cred.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid credential"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Value), bcrypt.MinCost)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	u.passwordHash = hash
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.users[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	delete(s.users, id)
	w.WriteHeader(http.StatusNoContent)
}

// CheckPassword reports whether username can log in with password.
func (s *Server) CheckPassword(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == strings.ToLower(username) {
			return u.passwordHash != nil && bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) == nil
		}
	}
	return false
}

// User returns a copy of the stored user, or nil.
func (s *Server) User(username string) *keycloak.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == strings.ToLower(username) {
			out := u.User
			return &out
		}
	}
	return nil
}

// Len returns the number of users in the realm.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
