package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"granada.sch.id/backoffice/internal/audit"
	"granada.sch.id/backoffice/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	User         userView `json:"user"`
}

type forgotPasswordRequest struct {
	Username string `json:"username"`
}

type verifyOTPRequest struct {
	Username string `json:"username"`
	OTP      string `json:"otp"`
}

type resetPasswordRequest struct {
	ResetToken      string `json:"resetToken"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type changePasswordRequest struct {
	OldPassword     string `json:"oldPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// userView is the public shape of an identity.
type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newUserView(i auth.Identity) userView {
	return userView{
		ID:        i.ID,
		Username:  i.Handle,
		Name:      i.Name,
		Email:     i.Email,
		Roles:     i.Roles.Strings(),
		Active:    i.Active,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Handle:    req.Username,
		Password:  req.Password,
		SessionID: sessionID(r),
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), audit.LoginFailed, map[string]any{
				"username": strings.TrimSpace(req.Username),
				"ip":       clientIP(r),
			})
		}
		a.handleAuthError(w, r, err)
		return
	}

	ctx := auth.ContextWithPrincipal(r.Context(), res.Identity.Principal())
	_ = audit.LogEvent(ctx, audit.LoginSucceeded, map[string]any{
		"ip":    clientIP(r),
		"roles": res.Identity.Roles.Strings(),
	})

	a.setSessionCookie(w, res.Session.ID, a.auth.SessionTTL())
	writeOK(w, http.StatusOK, "login successful", loginResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		User:         newUserView(res.Identity),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, msgLoginAgain)
		return
	}
	if err := a.auth.Logout(r.Context(), sess.ID); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.Logout, nil)
	a.clearSessionCookie(w)
	writeOK(w, http.StatusOK, "logout successful", nil)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.RequestReset(r.Context(), req.Username); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.ResetRequested, map[string]any{
		"username": strings.TrimSpace(req.Username),
		"ip":       clientIP(r),
	})
	writeOK(w, http.StatusOK, "an OTP code has been sent to the registered email", nil)
}

func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, err := a.auth.VerifyOTP(r.Context(), req.Username, req.OTP)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.ResetVerified, map[string]any{
		"username": strings.TrimSpace(req.Username),
		"ip":       clientIP(r),
	})
	writeOK(w, http.StatusOK, "otp verified", map[string]string{"resetToken": token})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.ResetToken, req.NewPassword, req.ConfirmPassword); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "reset token is invalid or has expired")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.ResetCompleted, map[string]any{"ip": clientIP(r)})
	writeOK(w, http.StatusOK, "password has been reset", nil)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	err := a.auth.UpdatePassword(r.Context(), principal, req.OldPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusBadRequest, "old password is incorrect")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PasswordChanged, nil)
	a.clearSessionCookie(w)
	writeOK(w, http.StatusOK, "password changed, please log in again", nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	identity, err := a.auth.Me(r.Context(), principal)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "current user", newUserView(identity))
}

// handleSessionStatus reports whether the caller is signed in without ever
// refreshing or ending the session.
func (a *API) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeOK(w, http.StatusOK, "not authenticated", map[string]any{"authenticated": false})
		return
	}
	writeOK(w, http.StatusOK, "authenticated", map[string]any{
		"authenticated": true,
		"user":          principal,
	})
}
