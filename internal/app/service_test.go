package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"temerio/api/internal/activity"
	"temerio/api/internal/auth"
	"temerio/api/internal/authpw"
	"temerio/api/internal/billing"
	"temerio/api/internal/config"
	"temerio/api/internal/export"
	"temerio/api/internal/merge"
	"temerio/api/internal/onboarding"
	"temerio/api/internal/pairing"
	"temerio/api/internal/search"
	"temerio/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn    func(context.Context, string) (store.User, error)
	isRevokedFn      func(context.Context, string) (bool, error)
	revokeAccessFn   func(context.Context, string, time.Time) error
	listUsersFn      func(context.Context, string, int, int) ([]store.User, int, error)
	grantRoleFn      func(context.Context, string, string) error
	revokeRoleFn     func(context.Context, string, string) error
	listActivityFn   func(context.Context, string, int) ([]store.ActivityEvent, error)
	pingFn           func(context.Context) error
	revokedAccessIDs []string
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Email: id + "@example.com", DisplayName: "User " + id}, nil
}
func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedAccessIDs = append(f.revokedAccessIDs, jti)
	if f.revokeAccessFn != nil {
		return f.revokeAccessFn(ctx, jti, exp)
	}
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isRevokedFn != nil {
		return f.isRevokedFn(ctx, jti)
	}
	for _, revoked := range f.revokedAccessIDs {
		if revoked == jti {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStore) ListUsers(ctx context.Context, search string, limit, offset int) ([]store.User, int, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx, search, limit, offset)
	}
	return nil, 0, nil
}
func (f *fakeStore) GrantRole(ctx context.Context, userID, role string) error {
	if f.grantRoleFn != nil {
		return f.grantRoleFn(ctx, userID, role)
	}
	return nil
}
func (f *fakeStore) RevokeRole(ctx context.Context, userID, role string) error {
	if f.revokeRoleFn != nil {
		return f.revokeRoleFn(ctx, userID, role)
	}
	return nil
}
func (f *fakeStore) ListActivity(ctx context.Context, actorID string, limit int) ([]store.ActivityEvent, error) {
	if f.listActivityFn != nil {
		return f.listActivityFn(ctx, actorID, limit)
	}
	return nil, nil
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRefreshStore struct {
	mu       sync.Mutex
	sessions map[string]store.RefreshSession
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{sessions: make(map[string]store.RefreshSession)}
}

func (f *fakeRefreshStore) SaveRefreshSession(_ context.Context, hash string, session store.RefreshSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[hash] = session
	return nil
}
func (f *fakeRefreshStore) LookupRefreshSession(_ context.Context, hash string) (store.RefreshSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[hash]
	if !ok {
		return store.RefreshSession{}, sql.ErrNoRows
	}
	return session, nil
}
func (f *fakeRefreshStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, hash)
	return nil
}

type fakePasswords struct {
	signUpFn       func(context.Context, authpw.SignUpRequest) (*authpw.SignUpResponse, error)
	signInFn       func(context.Context, authpw.SignInRequest) (store.User, error)
	verifyEmailFn  func(context.Context, string) error
	requestResetFn func(context.Context, string) (store.User, string, error)
	resetFn        func(context.Context, authpw.ResetPasswordRequest) error
}

func (f *fakePasswords) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, req)
	}
	return &authpw.SignUpResponse{UserID: "user-new", Email: req.Email, DisplayName: req.DisplayName, VerificationToken: "verify-token"}, nil
}
func (f *fakePasswords) SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, req)
	}
	return store.User{}, authpw.ErrInvalidCredentials
}
func (f *fakePasswords) VerifyEmail(ctx context.Context, token string) error {
	if f.verifyEmailFn != nil {
		return f.verifyEmailFn(ctx, token)
	}
	return nil
}
func (f *fakePasswords) RequestPasswordReset(ctx context.Context, email string) (store.User, string, error) {
	if f.requestResetFn != nil {
		return f.requestResetFn(ctx, email)
	}
	return store.User{}, "", nil
}
func (f *fakePasswords) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	if f.resetFn != nil {
		return f.resetFn(ctx, req)
	}
	return nil
}

type fakeMailer struct {
	configured  bool
	sendErr     error
	verifyLinks []string
	resetLinks  []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }
func (f *fakeMailer) SendVerificationEmail(_, _, link string) error {
	f.verifyLinks = append(f.verifyLinks, link)
	return f.sendErr
}
func (f *fakeMailer) SendPasswordResetEmail(_, _, link string) error {
	f.resetLinks = append(f.resetLinks, link)
	return f.sendErr
}

type fakeSeeder struct {
	inputs []onboarding.Input
}

func (f *fakeSeeder) Seed(_ context.Context, in onboarding.Input) onboarding.Result {
	f.inputs = append(f.inputs, in)
	if len(f.inputs) > 1 {
		return onboarding.Result{Skipped: true}
	}
	return onboarding.Result{PersonID: "person-1", PersonCreated: true, MomentID: "moment-1", MomentCreated: true}
}

type fakeSubscriptions struct {
	mu        sync.Mutex
	tracked   map[string]billing.Caller
	untracked []string
	getFn     func(context.Context, billing.Caller) (billing.Snapshot, error)
	refreshFn func(context.Context, billing.Caller) (billing.Snapshot, error)
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{tracked: make(map[string]billing.Caller)}
}

func (f *fakeSubscriptions) Track(caller billing.Caller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[caller.Key()] = caller
}
func (f *fakeSubscriptions) Untrack(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, key)
	f.untracked = append(f.untracked, key)
}
func (f *fakeSubscriptions) Get(ctx context.Context, caller billing.Caller) (billing.Snapshot, error) {
	if f.getFn != nil {
		return f.getFn(ctx, caller)
	}
	return billing.Snapshot{Status: billing.Status{Tier: billing.TierFree}}, nil
}
func (f *fakeSubscriptions) Refresh(ctx context.Context, caller billing.Caller) (billing.Snapshot, error) {
	if f.refreshFn != nil {
		return f.refreshFn(ctx, caller)
	}
	return billing.Snapshot{Status: billing.Status{Tier: billing.TierFree}}, nil
}

type fakeCheckout struct {
	startFn func(context.Context, billing.Caller, string) (string, error)
}

func (f *fakeCheckout) Start(ctx context.Context, caller billing.Caller, cycle string) (string, error) {
	if f.startFn != nil {
		return f.startFn(ctx, caller, cycle)
	}
	return "https://checkout.example/session", nil
}

type fakePairing struct {
	issueFn func(context.Context, string) (pairing.Code, error)
}

func (f *fakePairing) Issue(ctx context.Context, userID string) (pairing.Code, error) {
	if f.issueFn != nil {
		return f.issueFn(ctx, userID)
	}
	return pairing.Code{Code: "ABC234", ExpiresAt: time.Date(2026, 5, 1, 12, 10, 0, 0, time.UTC)}, nil
}

type fakeMerges struct {
	undoFn    func(context.Context, string, string) (merge.Result, error)
	historyFn func(context.Context, string, int) ([]store.MergeLogEntry, error)
}

func (f *fakeMerges) Undo(ctx context.Context, userID, id string) (merge.Result, error) {
	if f.undoFn != nil {
		return f.undoFn(ctx, userID, id)
	}
	return merge.Result{Success: true, Message: merge.UndoneMessage}, nil
}
func (f *fakeMerges) History(ctx context.Context, userID string, limit int) ([]store.MergeLogEntry, error) {
	if f.historyFn != nil {
		return f.historyFn(ctx, userID, limit)
	}
	return nil, nil
}

type fakeSearch struct {
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{Type: search.ResultPerson, ID: "p1", Title: "Ana"}}, Total: 1, Query: q.Text}
}

type fakeExport struct {
	exportFn func(context.Context, export.Request) (*export.Result, error)
}

func (f *fakeExport) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if f.exportFn != nil {
		return f.exportFn(ctx, req)
	}
	return &export.Result{Data: []byte("<html></html>"), Filename: "Timeline.html", MimeType: "text/html; charset=utf-8"}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (f *fakeRecorder) Record(event activity.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRecorder) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type testDeps struct {
	store     *fakeStore
	refresh   *fakeRefreshStore
	passwords *fakePasswords
	mailer    *fakeMailer
	seeder    *fakeSeeder
	subs      *fakeSubscriptions
	checkout  *fakeCheckout
	pairing   *fakePairing
	merges    *fakeMerges
	search    *fakeSearch
	export    *fakeExport
	activity  *fakeRecorder
}

func newTestService(fs *fakeStore) (*Service, *testDeps) {
	if fs == nil {
		fs = &fakeStore{}
	}
	d := &testDeps{
		store:     fs,
		refresh:   newFakeRefreshStore(),
		passwords: &fakePasswords{},
		mailer:    &fakeMailer{},
		seeder:    &fakeSeeder{},
		subs:      newFakeSubscriptions(),
		checkout:  &fakeCheckout{},
		pairing:   &fakePairing{},
		merges:    &fakeMerges{},
		search:    &fakeSearch{},
		export:    &fakeExport{},
		activity:  &fakeRecorder{},
	}
	svc := New(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		AppURL:     "https://app.temerio.test",
	}, Deps{
		Store:         d.store,
		Refresh:       d.refresh,
		Passwords:     d.passwords,
		Mailer:        d.mailer,
		Seeder:        d.seeder,
		Subscriptions: d.subs,
		Checkout:      d.checkout,
		Pairing:       d.pairing,
		Merges:        d.merges,
		Search:        d.search,
		Export:        d.export,
		Activity:      d.activity,
	})
	return svc, d
}

func mustSession(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user, "sid-"+user.ID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func TestRefreshKeepsSessionIDAndRotatesToken(t *testing.T) {
	svc, d := newTestService(nil)
	first := mustSession(t, svc, store.User{ID: "u1", Email: "u1@example.com"})

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session id changed across refresh: %q -> %q", first.SessionID, second.SessionID)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token should rotate")
	}
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("rotated refresh token must not be reusable")
	}

	claims, err := auth.ParseToken([]byte("test-secret"), second.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.SID != first.SessionID {
		t.Fatalf("claims.SID = %q, want %q", claims.SID, first.SessionID)
	}
	if len(d.refresh.sessions) != 1 {
		t.Fatalf("expected exactly one live refresh session, got %d", len(d.refresh.sessions))
	}
}

func TestRefreshRereadsRolesAndRejectsDeactivated(t *testing.T) {
	roles := []string{}
	var deactivatedAt *time.Time
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Roles: roles, DeactivatedAt: deactivatedAt}, nil
		},
	}
	svc, _ := newTestService(fs)
	session := mustSession(t, svc, store.User{ID: "u1"})

	roles = []string{"premium_comp"}
	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(refreshed.Roles) != 1 || refreshed.Roles[0] != "premium_comp" {
		t.Fatalf("roles = %v, want granted role", refreshed.Roles)
	}

	now := time.Now()
	deactivatedAt = &now
	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("deactivated refresh error = %v", err)
	}
}

func TestSessionFromTokenRejectsRevokedAndMissingUsers(t *testing.T) {
	fs := &fakeStore{}
	svc, _ := newTestService(fs)
	session := mustSession(t, svc, store.User{ID: "u1"})

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.SessionID != "sid-u1" {
		t.Fatalf("SessionID = %q", parsed.SessionID)
	}

	if err := svc.Logout(context.Background(), parsed, session.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked token error = %v", err)
	}

	fs.getUserByIDFn = func(context.Context, string) (store.User, error) { return store.User{}, sql.ErrNoRows }
	other := mustSession(t, svc, store.User{ID: "u2"})
	if _, err := svc.SessionFromToken(context.Background(), other.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("missing user error = %v", err)
	}
}

func TestSessionLifecycleTracksSubscriptions(t *testing.T) {
	svc, d := newTestService(nil)
	session := mustSession(t, svc, store.User{ID: "u1"})

	tracked, ok := d.subs.tracked["sid-u1"]
	if !ok {
		t.Fatal("signed-in session should be tracked")
	}
	if tracked.UserID != "u1" || !tracked.ExpiresAt.Equal(session.ExpiresAt) {
		t.Fatalf("tracked caller = %+v", tracked)
	}
	if err := svc.Logout(context.Background(), session, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.subs.tracked["sid-u1"]; ok {
		t.Fatal("logout should stop tracking")
	}
}

func TestLogoutKeepsOtherSessionsTracked(t *testing.T) {
	svc, d := newTestService(nil)
	laptop, err := svc.issueSession(context.Background(), store.User{ID: "u1"}, "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.issueSession(context.Background(), store.User{ID: "u1"}, "phone"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Logout(context.Background(), laptop, laptop.RefreshToken); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.subs.tracked["laptop"]; ok {
		t.Fatal("logged out session should stop tracking")
	}
	if _, ok := d.subs.tracked["phone"]; !ok {
		t.Fatal("other session of the same user should stay tracked")
	}
}

func TestSignUpMailsVerificationWhenConfigured(t *testing.T) {
	svc, d := newTestService(nil)
	d.mailer.configured = true
	var gotName string
	d.passwords.signUpFn = func(_ context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
		gotName = req.DisplayName
		return &authpw.SignUpResponse{UserID: "u1", Email: req.Email, DisplayName: req.DisplayName, VerificationToken: "tok"}, nil
	}

	_, mailed, err := svc.SignUp(context.Background(), "jane.doe@example.com", "password123", "")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if !mailed {
		t.Fatal("expected verification mail to be sent")
	}
	if gotName != "Jane Doe" {
		t.Fatalf("derived display name = %q", gotName)
	}
	if len(d.mailer.verifyLinks) != 1 || d.mailer.verifyLinks[0] != "https://app.temerio.test/verify-email?token=tok" {
		t.Fatalf("verify links = %v", d.mailer.verifyLinks)
	}

	d.mailer.sendErr = errors.New("relay down")
	_, mailed, err = svc.SignUp(context.Background(), "bo@example.com", "password123", "Bo")
	if err != nil || mailed {
		t.Fatalf("failed mail should fall back to the dev token, mailed=%v err=%v", mailed, err)
	}
}

func TestRequestPasswordResetHidesTokenWhenMailed(t *testing.T) {
	svc, d := newTestService(nil)
	d.passwords.requestResetFn = func(context.Context, string) (store.User, string, error) {
		return store.User{ID: "u1", Email: "ana@example.com"}, "reset-token", nil
	}

	token, err := svc.RequestPasswordReset(context.Background(), "ana@example.com")
	if err != nil || token != "reset-token" {
		t.Fatalf("without mail: token=%q err=%v", token, err)
	}

	d.mailer.configured = true
	token, err = svc.RequestPasswordReset(context.Background(), "ana@example.com")
	if err != nil || token != "" {
		t.Fatalf("with mail: token=%q err=%v", token, err)
	}
	if len(d.mailer.resetLinks) != 1 {
		t.Fatalf("reset links = %v", d.mailer.resetLinks)
	}
}

func TestGrantRoleValidatesAndRecords(t *testing.T) {
	var granted []string
	fs := &fakeStore{grantRoleFn: func(_ context.Context, userID, role string) error {
		granted = append(granted, userID+":"+role)
		return nil
	}}
	svc, d := newTestService(fs)
	admin := Session{UserID: "admin-1", Roles: []string{"admin"}}

	err := svc.GrantRole(context.Background(), admin, "u1", "owner")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("invalid role error = %v", err)
	}

	if err := svc.GrantRole(context.Background(), admin, "u1", "premium_comp"); err != nil {
		t.Fatalf("GrantRole() error = %v", err)
	}
	if len(granted) != 1 || granted[0] != "u1:premium_comp" {
		t.Fatalf("granted = %v", granted)
	}
	if actions := d.activity.actions(); len(actions) != 1 || actions[0] != "role.granted" {
		t.Fatalf("activity = %v", actions)
	}

	if err := svc.RevokeRole(context.Background(), admin, "admin-1", "admin"); !errors.As(err, &domainErr) {
		t.Fatalf("self revoke error = %v", err)
	}
}
