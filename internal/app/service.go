package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"temerio/api/internal/activity"
	"temerio/api/internal/auth"
	"temerio/api/internal/authpw"
	"temerio/api/internal/billing"
	"temerio/api/internal/config"
	"temerio/api/internal/export"
	"temerio/api/internal/merge"
	"temerio/api/internal/onboarding"
	"temerio/api/internal/pairing"
	"temerio/api/internal/rbac"
	"temerio/api/internal/search"
	"temerio/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	Roles        []string
	SessionID    string
	JTI          string
	ExpiresAt    time.Time
}

// Caller is the billing identity of the session.
func (s Session) Caller() billing.Caller {
	return billing.Caller{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Token:     s.Token,
		Roles:     s.Roles,
		ExpiresAt: s.ExpiresAt,
	}
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListUsers(context.Context, string, int, int) ([]store.User, int, error)
	GrantRole(context.Context, string, string) error
	RevokeRole(context.Context, string, string) error
	ListActivity(context.Context, string, int) ([]store.ActivityEvent, error)
	Ping(context.Context) error
}

// refreshStore holds hashed refresh tokens; Redis when configured, Postgres
// otherwise.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, store.RefreshSession) error
	LookupRefreshSession(context.Context, string) (store.RefreshSession, error)
	RevokeRefreshSession(context.Context, string) error
}

type passwordAuth interface {
	SignUp(context.Context, authpw.SignUpRequest) (*authpw.SignUpResponse, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
	VerifyEmail(context.Context, string) error
	RequestPasswordReset(context.Context, string) (store.User, string, error)
	ResetPassword(context.Context, authpw.ResetPasswordRequest) error
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type seeder interface {
	Seed(context.Context, onboarding.Input) onboarding.Result
}

type subscriptions interface {
	Track(billing.Caller)
	Untrack(string)
	Get(context.Context, billing.Caller) (billing.Snapshot, error)
	Refresh(context.Context, billing.Caller) (billing.Snapshot, error)
}

type checkouts interface {
	Start(context.Context, billing.Caller, string) (string, error)
}

type pairingIssuer interface {
	Issue(context.Context, string) (pairing.Code, error)
}

type merges interface {
	Undo(context.Context, string, string) (merge.Result, error)
	History(context.Context, string, int) ([]store.MergeLogEntry, error)
}

type searcher interface {
	Search(context.Context, search.Query) search.Response
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type recorder interface {
	Record(activity.Event)
}

type pinger interface {
	Ping(context.Context) error
}

// Deps are the collaborators behind the HTTP API. Mailer, Search, Export and
// Redis may be nil.
type Deps struct {
	Store         dataStore
	Refresh       refreshStore
	Passwords     passwordAuth
	Mailer        mailer
	Seeder        seeder
	Subscriptions subscriptions
	Checkout      checkouts
	Pairing       pairingIssuer
	Merges        merges
	Search        searcher
	Export        exporter
	Activity      recorder
	Redis         pinger
}

type Service struct {
	cfg  config.Config
	deps Deps
	now  func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{cfg: cfg, deps: deps, now: time.Now}
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*authpw.SignUpResponse, bool, error) {
	resp, err := s.deps.Passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: onboarding.DisplayName(displayName, email),
	})
	if err != nil {
		return nil, false, err
	}
	if !s.SMTPConfigured() {
		return resp, false, nil
	}
	link := s.cfg.AppURL + "/verify-email?token=" + resp.VerificationToken
	if err := s.deps.Mailer.SendVerificationEmail(resp.Email, resp.DisplayName, link); err != nil {
		log.Printf("email: verification send failed user=%s: %v", resp.UserID, err)
		return resp, false, nil
	}
	return resp, true, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.deps.Passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, uuid.NewString())
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.deps.Passwords.VerifyEmail(ctx, token)
}

// RequestPasswordReset returns the reset token only when it could not be
// mailed, so development setups can finish the flow.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, token, err := s.deps.Passwords.RequestPasswordReset(ctx, email)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	link := s.cfg.AppURL + "/reset-password?token=" + token
	if err := s.deps.Mailer.SendPasswordResetEmail(user.Email, user.DisplayName, link); err != nil {
		log.Printf("email: reset send failed user=%s: %v", user.ID, err)
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.deps.Passwords.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
}

func (s *Service) SMTPConfigured() bool {
	return s.deps.Mailer != nil && s.deps.Mailer.IsConfigured()
}

// Refresh rotates the refresh token. The session id carries over so
// per-session work is not repeated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	record, err := s.deps.Refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.deps.Refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.deps.Store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	sessionID := record.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return s.issueSession(ctx, user, sessionID)
}

func (s *Service) issueSession(ctx context.Context, user store.User, sessionID string) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Roles: user.Roles,
		SID:   sessionID,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.deps.Refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), store.RefreshSession{
		UserID:    user.ID,
		SessionID: sessionID,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}); err != nil {
		return Session{}, err
	}

	session := Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		Roles:        user.Roles,
		SessionID:    sessionID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}
	if s.deps.Subscriptions != nil {
		s.deps.Subscriptions.Track(session.Caller())
	}
	return session, nil
}

// SessionFromToken validates an access token and re-reads the user so role
// grants and deactivation take effect immediately.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.deps.Store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.deps.Store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Roles:     user.Roles,
		SessionID: claims.SID,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes whatever credentials it is given and stops subscription
// tracking for the session. When the access token could not be parsed the
// session is resolved from the refresh token instead.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.deps.Store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("session: revoke access token failed user=%s: %v", session.UserID, err)
		}
	}
	trackingKey := session.Caller().Key()
	if refreshToken != "" {
		tokenHash := auth.HashToken(refreshToken)
		if trackingKey == "" {
			if record, err := s.deps.Refresh.LookupRefreshSession(ctx, tokenHash); err == nil {
				trackingKey = billing.Caller{UserID: record.UserID, SessionID: record.SessionID}.Key()
			}
		}
		if err := s.deps.Refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
			log.Printf("session: revoke refresh token failed user=%s: %v", session.UserID, err)
		}
	}
	if trackingKey != "" && s.deps.Subscriptions != nil {
		s.deps.Subscriptions.Untrack(trackingKey)
	}
	return nil
}

func (s *Service) Can(roles []string, action rbac.Action) bool {
	return rbac.CanAny(rbac.NormalizeAll(roles), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.deps.Store.Ping(ctx)
}

// Readiness reports each backing service; the database is the only hard
// dependency.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	if err := s.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			ready = false
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	return ready, checks
}

func (s *Service) SeedAccount(ctx context.Context, session Session) onboarding.Result {
	return s.deps.Seeder.Seed(ctx, onboarding.Input{
		UserID:      session.UserID,
		SessionID:   session.SessionID,
		Email:       session.Email,
		DisplayName: session.UserName,
	})
}

type ActivityInput struct {
	Action   string         `json:"action"`
	ItemType string         `json:"itemType"`
	ItemID   string         `json:"itemId"`
	Metadata map[string]any `json:"metadata"`
}

const maxActivityFieldLen = 128

// RecordActivity queues a client-reported event. Input that the activity
// table cannot store is rejected here so it never reaches a shared batch.
func (s *Service) RecordActivity(session Session, input ActivityInput) error {
	action := strings.TrimSpace(input.Action)
	itemType := strings.TrimSpace(input.ItemType)
	itemID := strings.TrimSpace(input.ItemID)
	if action == "" || itemType == "" {
		return validationError("action and itemType are required")
	}
	fields := []struct{ name, value string }{{"action", action}, {"itemType", itemType}, {"itemId", itemID}}
	for _, f := range fields {
		field, value := f.name, f.value
		if len(value) > maxActivityFieldLen {
			return validationError("%s must be at most %d characters", field, maxActivityFieldLen)
		}
		if activity.ContainsNUL(value) {
			return validationError("%s must not contain NUL characters", field)
		}
	}
	if len(input.Metadata) > 0 {
		if activity.ContainsNUL(input.Metadata) {
			return validationError("metadata must not contain NUL characters")
		}
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return validationError("metadata must be a JSON object")
		}
		if len(raw) > activity.MaxMetadataBytes {
			return validationError("metadata must be at most %d bytes", activity.MaxMetadataBytes)
		}
	}
	s.deps.Activity.Record(activity.Event{
		ActorID:  session.UserID,
		Action:   action,
		ItemType: itemType,
		ItemID:   itemID,
		Metadata: input.Metadata,
	})
	return nil
}

func (s *Service) Subscription(ctx context.Context, session Session) (billing.Snapshot, error) {
	return s.deps.Subscriptions.Get(ctx, session.Caller())
}

func (s *Service) RefreshSubscription(ctx context.Context, session Session) (billing.Snapshot, error) {
	return s.deps.Subscriptions.Refresh(ctx, session.Caller())
}

func (s *Service) StartCheckout(ctx context.Context, session Session, cycle string) (string, error) {
	url, err := s.deps.Checkout.Start(ctx, session.Caller(), cycle)
	if err != nil {
		log.Printf("billing: checkout failed user=%s cycle=%q: %v", session.UserID, cycle, err)
		return "", err
	}
	s.deps.Activity.Record(activity.Event{
		ActorID:  session.UserID,
		Action:   "checkout.started",
		ItemType: "subscription",
		ItemID:   session.UserID,
		Metadata: map[string]any{"cycle": strings.ToLower(strings.TrimSpace(cycle))},
	})
	return url, nil
}

func (s *Service) IssuePairingCode(ctx context.Context, session Session) (pairing.Code, error) {
	code, err := s.deps.Pairing.Issue(ctx, session.UserID)
	if err != nil {
		return pairing.Code{}, err
	}
	s.deps.Activity.Record(activity.Event{
		ActorID:  session.UserID,
		Action:   "pairing_code.created",
		ItemType: "pairing_code",
		Metadata: map[string]any{"expires_at": code.ExpiresAt},
	})
	return code, nil
}

func (s *Service) UndoMerge(ctx context.Context, session Session, mergeLogID string) (merge.Result, error) {
	return s.deps.Merges.Undo(ctx, session.UserID, mergeLogID)
}

func (s *Service) MergeHistory(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	entries, err := s.deps.Merges.History(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"id":        entry.ID,
			"primaryId": entry.PrimaryID,
			"mergedId":  entry.MergedID,
			"createdAt": entry.CreatedAt,
			"undoneAt":  entry.UndoneAt,
		})
	}
	return out, nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.UserID = session.UserID
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.deps.Search.Search(ctx, q)
}

func (s *Service) ExportTimeline(ctx context.Context, session Session, format string) (*export.Result, error) {
	if s.deps.Export == nil {
		return nil, domainError(http.StatusServiceUnavailable, CodeExportUnavailable, "Export is not configured", nil)
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.Export.Export(ctx, export.Request{UserID: session.UserID, DisplayName: session.UserName, Format: parsed})
	if err != nil {
		return nil, fmt.Errorf("export timeline: %w", err)
	}
	return result, nil
}
