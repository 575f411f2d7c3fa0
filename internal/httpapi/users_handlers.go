package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"granada.sch.id/backoffice/internal/audit"
	"granada.sch.id/backoffice/internal/auth"
)

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

type updateUserRequest struct {
	Username *string  `json:"username"`
	Name     *string  `json:"name"`
	Email    *string  `json:"email"`
	Roles    []string `json:"roles"`
	Password *string  `json:"password"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter auth.IdentityFilter
	if raw := strings.TrimSpace(q.Get("role")); raw != "" {
		role, err := auth.ParseRole(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unknown role "+strconv.Quote(raw))
			return
		}
		filter.Role = role
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "active must be a boolean")
			return
		}
		filter.ActiveOnly = active
	}

	list, err := a.identities.List(r.Context(), filter)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	views := make([]userView, 0, len(list))
	for _, i := range list {
		views = append(views, newUserView(i))
	}
	writeOK(w, http.StatusOK, "users retrieved", views)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	identity, err := a.identities.Create(r.Context(), actor, auth.NewIdentity{
		Handle:   req.Username,
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
		Roles:    req.Roles,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.IdentityCreated, map[string]any{
		"target_id": identity.ID,
		"roles":     identity.Roles.Strings(),
	})
	writeOK(w, http.StatusCreated, "user created", newUserView(identity))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	identity, err := a.identities.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "user retrieved", newUserView(identity))
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	actor, _ := auth.PrincipalFromContext(r.Context())
	identity, err := a.identities.Update(r.Context(), actor, id, auth.IdentityChanges{
		Handle:   req.Username,
		Name:     req.Name,
		Email:    req.Email,
		Roles:    req.Roles,
		Password: req.Password,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	fields := map[string]any{"target_id": id}
	if req.Roles != nil {
		fields["roles"] = identity.Roles.Strings()
	}
	if req.Password != nil {
		fields["password_reset"] = true
	}
	_ = audit.LogEvent(r.Context(), audit.IdentityUpdated, fields)
	writeOK(w, http.StatusOK, "user updated", newUserView(identity))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if principal, _ := auth.PrincipalFromContext(r.Context()); principal.IdentityID == id {
		writeError(w, r, http.StatusBadRequest, "you cannot delete your own account")
		return
	}
	if err := a.identities.Delete(r.Context(), id); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.IdentityDeleted, map[string]any{"target_id": id})
	writeOK(w, http.StatusOK, "user deleted", nil)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor, _ := auth.PrincipalFromContext(r.Context())
	if actor.IdentityID == id {
		writeError(w, r, http.StatusBadRequest, "you cannot deactivate your own account")
		return
	}
	if err := a.identities.Deactivate(r.Context(), actor, id); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.IdentityDeactivated, map[string]any{"target_id": id})
	writeOK(w, http.StatusOK, "user deactivated", nil)
}

func (a *API) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor, _ := auth.PrincipalFromContext(r.Context())
	if err := a.identities.Activate(r.Context(), actor, id); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.IdentityActivated, map[string]any{"target_id": id})
	writeOK(w, http.StatusOK, "user activated", nil)
}
