package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gitgate/gitgate"
	"github.com/gitgate/gitgate/server/middleware"
)

// Handler implements the HTTP/JSON administrative surface over a provider.
// Every route delegates to the Service contract; the handler only translates
// payloads and maps sentinel errors to status codes.
type Handler struct {
	svc    gitgate.Service
	cost   int
	logger *slog.Logger
}

func NewHandler(svc gitgate.Service, cost int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, cost: cost, logger: logger}
}

// userResponse is the API shape of a user. Credential hashes never leave the
// server; the team list flattens to names.
type userResponse struct {
	Username     string   `json:"username"`
	Admin        bool     `json:"admin"`
	Repositories []string `json:"repositories"`
	Teams        []string `json:"teams"`
}

func apiUser(u *gitgate.User) userResponse {
	resp := userResponse{
		Username:     u.Username,
		Admin:        u.Admin,
		Repositories: u.Repositories,
		Teams:        []string{},
	}
	if resp.Repositories == nil {
		resp.Repositories = []string{}
	}
	for _, t := range u.Teams {
		resp.Teams = append(resp.Teams, t.Name)
	}
	return resp
}

// userRequest is the PUT payload. A non-empty Password replaces the stored
// credential; empty keeps it. A Username differing from the path renames.
type userRequest struct {
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	Admin        bool     `json:"admin"`
	Repositories []string `json:"repositories"`
}

type teamRequest struct {
	Name         string   `json:"name"`
	Users        []string `json:"users"`
	Repositories []string `json:"repositories"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// Login handles POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.svc.SupportsCookies() {
		http.Error(w, "this backend does not issue session tokens", http.StatusNotImplemented)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	u, err := h.svc.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.svc.Cookie(r.Context(), u.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginResponse{Token: token, Username: u.Username, Admin: u.Admin})
}

// CurrentUser handles GET /api/v1/auth/user.
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	h.writeJSON(w, http.StatusOK, apiUser(u))
}

// ListUsers handles GET /api/v1/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.Users(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, apiUser(u))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListUsernames handles GET /api/v1/usernames.
func (h *Handler) ListUsernames(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.Usernames(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, names)
}

// GetUser handles GET /api/v1/users/{username}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.User(r.Context(), r.PathValue("username"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apiUser(u))
}

// PutUser handles PUT /api/v1/users/{username}: create, update, or rename.
func (h *Handler) PutUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("username")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		req.Username = name
	}
	u := &gitgate.User{
		Username:     req.Username,
		Admin:        req.Admin,
		Repositories: req.Repositories,
	}

	cur, getErr := h.svc.User(r.Context(), name)
	if getErr != nil && !errors.Is(getErr, gitgate.ErrNotFound) {
		h.writeError(w, getErr)
		return
	}

	switch {
	case req.Password != "":
		hash, err := gitgate.HashCredential(req.Password, h.cost)
		if err != nil {
			h.writeError(w, err)
			return
		}
		u.Credential = hash
	case cur != nil:
		u.Credential = cur.Credential
	default:
		http.Error(w, "a new user needs a password", http.StatusBadRequest)
		return
	}

	var err error
	if cur != nil {
		err = h.svc.RenameUser(r.Context(), name, u)
	} else {
		err = h.svc.UpdateUser(r.Context(), u)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteUser handles DELETE /api/v1/users/{username}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteUser(r.Context(), r.PathValue("username")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ListTeams handles GET /api/v1/teams.
func (h *Handler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.svc.Teams(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, teams)
}

// ListTeamnames handles GET /api/v1/teamnames.
func (h *Handler) ListTeamnames(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.Teamnames(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, names)
}

// GetTeam handles GET /api/v1/teams/{teamname}.
func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Team(r.Context(), r.PathValue("teamname"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// PutTeam handles PUT /api/v1/teams/{teamname}: create, update, or rename.
func (h *Handler) PutTeam(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("teamname")
	var req teamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = name
	}
	t := &gitgate.Team{Name: req.Name, Users: req.Users, Repositories: req.Repositories}

	var err error
	if _, getErr := h.svc.Team(r.Context(), name); getErr == nil {
		err = h.svc.RenameTeam(r.Context(), name, t)
	} else if errors.Is(getErr, gitgate.ErrNotFound) {
		err = h.svc.UpdateTeam(r.Context(), t)
	} else {
		err = getErr
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteTeam handles DELETE /api/v1/teams/{teamname}.
func (h *Handler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTeam(r.Context(), r.PathValue("teamname")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RoleUsers handles GET /api/v1/roles/{org}/{repo}/users.
func (h *Handler) RoleUsers(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	names, err := h.svc.UsernamesForRole(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, names)
}

// PutRoleUsers handles PUT /api/v1/roles/{org}/{repo}/users. The body is the
// full replacement list; an empty list clears every direct grant.
func (h *Handler) PutRoleUsers(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	var names []string
	if err := json.NewDecoder(r.Body).Decode(&names); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetUsernamesForRole(r.Context(), role, names); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RoleTeams handles GET /api/v1/roles/{org}/{repo}/teams.
func (h *Handler) RoleTeams(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	names, err := h.svc.TeamnamesForRole(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, names)
}

// PutRoleTeams handles PUT /api/v1/roles/{org}/{repo}/teams.
func (h *Handler) PutRoleTeams(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	var names []string
	if err := json.NewDecoder(r.Body).Decode(&names); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetTeamnamesForRole(r.Context(), role, names); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RenameRole handles POST /api/v1/roles/{org}/{repo}/rename.
func (h *Handler) RenameRole(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := validateRole(req.Role); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.RenameRole(r.Context(), role, req.Role); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteRole handles DELETE /api/v1/roles/{org}/{repo}.
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	role, ok := h.pathRole(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteRole(r.Context(), role); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// pathRole joins and validates the {org}/{repo} path segments.
func (h *Handler) pathRole(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := r.PathValue("org")
	repo := r.PathValue("repo")
	if org == "" || repo == "" {
		http.NotFound(w, r)
		return "", false
	}
	role := org + "/" + repo
	if err := validateRole(role); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return role, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

// writeError maps provider sentinels onto status codes. Anything unexpected
// is logged and reported as a bare 500 without leaking detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gitgate.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, gitgate.ErrExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, gitgate.ErrUnauthenticated):
		http.Error(w, "authentication failed", http.StatusUnauthorized)
	case errors.Is(err, gitgate.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		h.logger.Error("handler error", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
