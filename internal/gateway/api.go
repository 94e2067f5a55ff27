// ABOUTME: HTTP JSON API exposing registration, e-mail verification, approval and sign-in
// ABOUTME: Maps tagged error kinds to status codes and never echoes codes or tokens back

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/service"
	"github.com/2389/keygate/internal/store"
)

const (
	maxBodyBytes      = 64 << 10
	sessionCookieName = "session"
)

var errInvalidJSON = apperr.New(apperr.KindInvalidInput, "invalid JSON body")

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Handle    string `json:"handle"`
	Email     string `json:"email"`
	PublicKey string `json:"public_key"`
}

// RegisterResponse is returned by POST /auth/register.
type RegisterResponse struct {
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint"`
	Encrypted   string `json:"encrypted"`
}

// RegistrationChallengeRequest is the body of POST /auth/register/challenge.
type RegistrationChallengeRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// EncryptedResponse carries an encrypted challenge.
type EncryptedResponse struct {
	Encrypted string `json:"encrypted"`
}

// VerifyRegistrationRequest is the body of POST /auth/register/verify.
type VerifyRegistrationRequest struct {
	Fingerprint string `json:"fingerprint"`
	Code        string `json:"code"`
}

// VerifyRegistrationResponse reports the verification and mail delivery.
type VerifyRegistrationResponse struct {
	OK    bool   `json:"ok"`
	Email string `json:"email"`
}

// OKResponse is a bare success.
type OKResponse struct {
	OK bool `json:"ok"`
}

// SigninChallengeRequest is the body of POST /auth/challenge.
type SigninChallengeRequest struct {
	PublicKey string `json:"public_key"`
	ClientFP  string `json:"client_fp"`
}

// SigninVerifyRequest is the body of POST /auth/verify.
type SigninVerifyRequest struct {
	ClientFP string `json:"client_fp"`
	Code     string `json:"code"`
}

// SigninVerifyResponse carries the session token.
type SigninVerifyResponse struct {
	OK          bool      `json:"ok"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApproveResponse is returned by the approval endpoint.
type ApproveResponse struct {
	OK          bool   `json:"ok"`
	Fingerprint string `json:"fingerprint"`
	Handle      string `json:"handle"`
}

// PendingSubject is one entry of the pending list.
type PendingSubject struct {
	Fingerprint   string    `json:"fingerprint"`
	Handle        string    `json:"handle"`
	Email         string    `json:"email"`
	PGPVerified   bool      `json:"pgp_verified"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingResponse lists pending registrations.
type PendingResponse struct {
	Subjects []PendingSubject `json:"subjects"`
}

// API serves the HTTP endpoints.
type API struct {
	svc           *service.Service
	secureCookies bool
	now           func() time.Time
	logger        *slog.Logger
}

// NewAPI creates the HTTP API. secureCookies marks the session cookie Secure.
func NewAPI(svc *service.Service, secureCookies bool) *API {
	return &API{
		svc:           svc,
		secureCookies: secureCookies,
		now:           time.Now,
		logger:        slog.Default().With("component", "http"),
	}
}

// RegisterPublicRoutes adds the unauthenticated endpoints and health checks.
func (a *API) RegisterPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", a.handleRegister)
	mux.HandleFunc("POST /auth/register/challenge", a.handleRegistrationChallenge)
	mux.HandleFunc("POST /auth/register/verify", a.handleVerifyRegistration)
	mux.HandleFunc("GET /auth/email/verify", a.handleRedeemEmail)
	mux.HandleFunc("POST /auth/challenge", a.handleSigninChallenge)
	mux.HandleFunc("POST /auth/verify", a.handleVerifySignin)
	a.RegisterHealthRoutes(mux)
}

// RegisterAdminRoutes adds the endpoints guarded by the admin token.
func (a *API) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/admin/approve/{fingerprint}", a.handleApprove)
	mux.HandleFunc("GET /auth/admin/pending", a.handlePending)
}

// RegisterHealthRoutes adds liveness and readiness checks.
func (a *API) RegisterHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.svc.Register(r.Context(), req.Handle, req.Email, req.PublicKey)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{
		Status:      string(store.SubjectStatusPending),
		Fingerprint: res.Fingerprint,
		Encrypted:   res.Encrypted,
	})
}

func (a *API) handleRegistrationChallenge(w http.ResponseWriter, r *http.Request) {
	var req RegistrationChallengeRequest
	if !a.decode(w, r, &req) {
		return
	}

	encrypted, err := a.svc.IssueRegistrationChallenge(r.Context(), req.Fingerprint)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EncryptedResponse{Encrypted: encrypted})
}

func (a *API) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req VerifyRegistrationRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.svc.VerifyRegistration(r.Context(), req.Fingerprint, req.Code)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyRegistrationResponse{OK: res.OK, Email: string(res.Email)})
}

func (a *API) handleRedeemEmail(w http.ResponseWriter, r *http.Request) {
	html := wantsHTML(r)

	subj, err := a.svc.RedeemEmailToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if html {
			a.logIfTransient(r, err)
			writePage(w, statusFor(err), "Verification failed", redeemFailedPage(apperr.Message(err)))
			return
		}
		a.sendError(w, r, err)
		return
	}

	if html {
		writePage(w, http.StatusOK, "E-mail verified", redeemOKPage(subj.Handle))
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) handleSigninChallenge(w http.ResponseWriter, r *http.Request) {
	var req SigninChallengeRequest
	if !a.decode(w, r, &req) {
		return
	}

	encrypted, err := a.svc.IssueSigninChallenge(r.Context(), req.PublicKey, req.ClientFP)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EncryptedResponse{Encrypted: encrypted})
}

func (a *API) handleVerifySignin(w http.ResponseWriter, r *http.Request) {
	var req SigninVerifyRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.svc.VerifySignin(r.Context(), req.ClientFP, req.Code)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    res.Session.Token,
		Path:     "/",
		MaxAge:   int(a.svc.SessionTTL() / time.Second),
		Expires:  res.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, SigninVerifyResponse{
		OK:          true,
		AccessToken: res.Session.Token,
		ExpiresAt:   res.Session.ExpiresAt,
	})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	subj, err := a.svc.Approve(r.Context(), r.PathValue("fingerprint"), r.Header.Get(auth.AdminHeader))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveResponse{OK: true, Fingerprint: subj.Fingerprint, Handle: subj.Handle})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.sendError(w, r, apperr.New(apperr.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	subjects, err := a.svc.ListPending(r.Context(), r.Header.Get(auth.AdminHeader), limit)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	resp := PendingResponse{Subjects: make([]PendingSubject, 0, len(subjects))}
	for _, s := range subjects {
		resp.Subjects = append(resp.Subjects, PendingSubject{
			Fingerprint:   s.Fingerprint,
			Handle:        s.Handle,
			Email:         s.Email,
			PGPVerified:   s.PGPVerified,
			EmailVerified: s.EmailVerified,
			CreatedAt:     s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns 200 OK if the server is alive.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keygate",
		"ts":      a.now().Unix(),
	})
}

// handleReady returns 200 OK if the stores respond.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Ready(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body into v, answering 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.sendError(w, r, errInvalidJSON)
		return false
	}
	return true
}

// sendError writes the JSON error response for err.
func (a *API) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var banned *challenge.BannedError
	if errors.As(err, &banned) {
		secs := int(banned.RetryAfter(a.now()) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	a.logIfTransient(r, err)
	sendJSONError(w, statusFor(err), apperr.Message(err))
}

func (a *API) logIfTransient(r *http.Request, err error) {
	if apperr.IsTransient(err) {
		a.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFrom(r.Context()), "error", err)
	}
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindInvalidInput:       http.StatusBadRequest,
	apperr.KindKeyPolicyViolation: http.StatusBadRequest,
	apperr.KindNotFound:           http.StatusNotFound,
	apperr.KindConflict:           http.StatusConflict,
	apperr.KindUnauthorized:       http.StatusUnauthorized,
	apperr.KindUnauthenticated:    http.StatusForbidden,
	apperr.KindRateLimited:        http.StatusTooManyRequests,
	apperr.KindChallengeExpired:   http.StatusBadRequest,
	apperr.KindIncorrectCode:      http.StatusUnauthorized,
	apperr.KindTooManyAttempts:    http.StatusTooManyRequests,
	apperr.KindTransient:          http.StatusServiceUnavailable,
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	if status, ok := kindStatus[apperr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
