// Package masfake is an in-memory stand-in for the authentication service admin API.
// It also accepts upstream OIDC logins so the harness' linking assertions can run offline;
// its linking rule is the smallest one those assertions need, not the real service's.
package masfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/authprobe/internal/fakes/recorder"
	"github.com/kuitang/authprobe/internal/mas"
)

// Options configures admin credentials.
type Options struct {
	ClientID     string
	ClientSecret string
	TokenTTL     time.Duration
}

type account struct {
	attrs        mas.UserAttributes
	passwordHash []byte
}

type emailRecord struct {
	id    string
	attrs mas.UserEmailAttributes
}

type link struct {
	id    string
	attrs mas.OAuthLinkAttributes
}

// Server is the fake. Exported methods inspect state without going through HTTP.
type Server struct {
	*httptest.Server
	recorder.Recorder

	opts Options

	mu        sync.Mutex
	tokens    map[string]time.Time
	users     map[string]*account
	emails    map[string]*emailRecord
	links     map[string]*link
	upstreams map[string]*upstream
	seq       int
}

// New starts the fake. Close it with Close.
func New(opts Options) *Server {
	if opts.ClientID == "" {
		opts.ClientID = "01J44RKQYM4G3TNVANTMTDYTX6"
	}
	if opts.ClientSecret == "" {
		opts.ClientSecret = "fake-secret"
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	s := &Server{
		opts:      opts,
		tokens:    make(map[string]time.Time),
		users:     make(map[string]*account),
		emails:    make(map[string]*emailRecord),
		links:     make(map[string]*link),
		upstreams: make(map[string]*upstream),
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	s.Server = httptest.NewServer(s.Middleware(mux))
	return s
}

// ClientConfig returns client settings pointing at this fake.
func (s *Server) ClientConfig() mas.Config {
	return mas.Config{
		BaseURL:      s.URL,
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
	}
}

// RegisterRoutes registers the token endpoint, the admin API and the upstream login.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /oauth2/token", s.handleToken)

	mux.HandleFunc("POST /api/admin/v1/users", s.requireAdmin(s.handleCreateUser))
	mux.HandleFunc("GET /api/admin/v1/users/{id}", s.requireAdmin(s.handleGetUser))
	mux.HandleFunc("GET /api/admin/v1/users/by-username/{username}", s.requireAdmin(s.handleGetUserByUsername))
	mux.HandleFunc("POST /api/admin/v1/users/{id}/set-password", s.requireAdmin(s.handleSetPassword))
	mux.HandleFunc("POST /api/admin/v1/users/{id}/deactivate", s.requireAdmin(s.handleDeactivate))
	mux.HandleFunc("POST /api/admin/v1/users/{id}/reactivate", s.requireAdmin(s.handleReactivate))

	mux.HandleFunc("POST /api/admin/v1/user-emails", s.requireAdmin(s.handleAddEmail))
	mux.HandleFunc("GET /api/admin/v1/user-emails", s.requireAdmin(s.handleListEmails))
	mux.HandleFunc("DELETE /api/admin/v1/user-emails/{id}", s.requireAdmin(s.handleDeleteEmail))

	mux.HandleFunc("POST /api/admin/v1/upstream-oauth-links", s.requireAdmin(s.handleCreateLink))
	mux.HandleFunc("GET /api/admin/v1/upstream-oauth-links", s.requireAdmin(s.handleListLinks))
	mux.HandleFunc("DELETE /api/admin/v1/upstream-oauth-links/{id}", s.requireAdmin(s.handleDeleteLink))

	mux.HandleFunc("GET /upstream/authorize/{provider}", s.handleUpstreamAuthorize)
	mux.HandleFunc("GET /upstream/callback/{provider}", s.handleUpstreamCallback)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title string) {
	writeJSON(w, status, map[string]any{"errors": []map[string]string{{"title": title}}})
}

func writeOne[A any](w http.ResponseWriter, status int, typ, id string, attrs A) {
	writeJSON(w, status, map[string]any{
		"data": mas.Resource[A]{Type: typ, ID: id, Attributes: attrs},
	})
}

func writeMany[A any](w http.ResponseWriter, typ string, ids []string, attrs []A) {
	data := make([]mas.Resource[A], len(ids))
	for i := range ids {
		data[i] = mas.Resource[A]{Type: typ, ID: ids[i], Attributes: attrs[i]}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"meta": map[string]int{"count": len(data)},
	})
}

// nextID returns ids that sort by creation order, like ULIDs.
func (s *Server) nextID() string {
	s.seq++
	return fmt.Sprintf("01FAKE%020d", s.seq)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if ok {
		// RFC 6749 section 2.3.1 form-encodes Basic credentials.
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	}
	if !ok || id != s.opts.ClientID || secret != s.opts.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if !strings.Contains(" "+r.PostForm.Get("scope")+" ", " urn:mas:admin ") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_scope"})
		return
	}

	token := "mat_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.opts.TokenTTL)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.opts.TokenTTL.Seconds()),
		"scope":        "urn:mas:admin",
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		exp, known := s.tokens[token]
		s.mu.Unlock()
		if !ok || !known || time.Now().After(exp) {
			writeError(w, http.StatusUnauthorized, "Missing or invalid access token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userByUsernameLocked(in.Username) != "" {
		writeError(w, http.StatusConflict, "User with username \""+in.Username+"\" already exists")
		return
	}
	id := s.createUserLocked(in.Username)
	writeOne(w, http.StatusCreated, "user", id, s.users[id].attrs)
}

func (s *Server) createUserLocked(username string) string {
	id := s.nextID()
	s.users[id] = &account{attrs: mas.UserAttributes{Username: username, CreatedAt: time.Now().UTC()}}
	return id
}

func (s *Server) userByUsernameLocked(username string) string {
	for id, u := range s.users {
		if u.attrs.Username == username {
			return id
		}
	}
	return ""
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	u, ok := s.users[id]
	if !ok {
		writeError(w, http.StatusNotFound, "User ID "+id+" not found")
		return
	}
	writeOne(w, http.StatusOK, "user", id, u.attrs)
}

func (s *Server) handleGetUserByUsername(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username := r.PathValue("username")
	id := s.userByUsernameLocked(username)
	if id == "" {
		writeError(w, http.StatusNotFound, "User with username \""+username+"\" not found")
		return
	}
	writeOne(w, http.StatusOK, "user", id, s.users[id].attrs)
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	u.passwordHash = hash
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	u, ok := s.users[id]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	now := time.Now().UTC()
	u.attrs.DeactivatedAt = &now
	// Deactivation detaches every email address.
	for eid, e := range s.emails {
		if e.attrs.UserID == id {
			delete(s.emails, eid)
		}
	}
	writeOne(w, http.StatusOK, "user", id, u.attrs)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	u, ok := s.users[id]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	u.attrs.DeactivatedAt = nil
	writeOne(w, http.StatusOK, "user", id, u.attrs)
}

func (s *Server) handleAddEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" || !strings.Contains(in.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.UserID]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	for _, e := range s.emails {
		if strings.EqualFold(e.attrs.Email, in.Email) {
			writeError(w, http.StatusConflict, "User email \""+in.Email+"\" already in use")
			return
		}
	}
	id := s.addEmailLocked(in.UserID, in.Email)
	writeOne(w, http.StatusCreated, "user-email", id, s.emails[id].attrs)
}

func (s *Server) addEmailLocked(userID, email string) string {
	id := s.nextID()
	s.emails[id] = &emailRecord{id: id, attrs: mas.UserEmailAttributes{
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
		Email:     email,
	}}
	return id
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("filter[email]")
	user := q.Get("filter[user]")

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.emails {
		if email != "" && !strings.EqualFold(e.attrs.Email, email) {
			continue
		}
		if user != "" && e.attrs.UserID != user {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	attrs := make([]mas.UserEmailAttributes, len(ids))
	for i, id := range ids {
		attrs[i] = s.emails[id].attrs
	}
	writeMany(w, "user-email", ids, attrs)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.emails[id]; !ok {
		writeError(w, http.StatusNotFound, "User email not found")
		return
	}
	delete(s.emails, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID     string `json:"user_id"`
		ProviderID string `json:"provider_id"`
		Subject    string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" || in.Subject == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.UserID]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if s.linkBySubjectLocked(in.ProviderID, in.Subject) != nil {
		writeError(w, http.StatusConflict, "Upstream OAuth link already exists")
		return
	}
	l := s.addLinkLocked(in.UserID, in.ProviderID, in.Subject, "")
	writeOne(w, http.StatusCreated, "upstream-oauth-link", l.id, l.attrs)
}

func (s *Server) addLinkLocked(userID, providerID, subject, human string) *link {
	uid := userID
	l := &link{id: s.nextID(), attrs: mas.OAuthLinkAttributes{
		CreatedAt:  time.Now().UTC(),
		ProviderID: providerID,
		Subject:    subject,
		UserID:     &uid,
	}}
	if human != "" {
		l.attrs.HumanAccountName = &human
	}
	s.links[l.id] = l
	return l
}

func (s *Server) linkBySubjectLocked(providerID, subject string) *link {
	for _, l := range s.links {
		if l.attrs.Subject == subject && (providerID == "" || l.attrs.ProviderID == providerID) {
			return l
		}
	}
	return nil
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("filter[user]")
	subject := q.Get("filter[subject]")
	provider := q.Get("filter[provider]")

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, l := range s.links {
		if user != "" && (l.attrs.UserID == nil || *l.attrs.UserID != user) {
			continue
		}
		if subject != "" && l.attrs.Subject != subject {
			continue
		}
		if provider != "" && l.attrs.ProviderID != provider {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	attrs := make([]mas.OAuthLinkAttributes, len(ids))
	for i, id := range ids {
		attrs[i] = s.links[id].attrs
	}
	writeMany(w, "upstream-oauth-link", ids, attrs)
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.links[id]; !ok {
		writeError(w, http.StatusNotFound, "Upstream OAuth link not found")
		return
	}
	delete(s.links, id)
	w.WriteHeader(http.StatusNoContent)
}

// UserCount returns the number of accounts, deactivated ones included.
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Deactivated reports whether the account exists and is deactivated.
func (s *Server) Deactivated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return ok && u.attrs.DeactivatedAt != nil
}

// CheckPassword reports whether the account accepts password.
func (s *Server) CheckPassword(id, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return ok && u.passwordHash != nil && bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) == nil
}

// InsertUserLater creates an account with email after delay, to mimic the
// asynchronous account creation that follows an SSO login.
func (s *Server) InsertUserLater(username, email string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := s.createUserLocked(username)
		s.addEmailLocked(id, email)
	})
}
