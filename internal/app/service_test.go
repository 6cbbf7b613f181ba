package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"despacho/api/internal/accounts"
	"despacho/api/internal/auth"
	"despacho/api/internal/config"
	"despacho/api/internal/notify"
	"despacho/api/internal/search"
	"despacho/api/internal/store"
)

type fakeStore struct {
	users map[string]store.User

	getCaseFn            func(context.Context, string) (store.Case, error)
	listCasesFn          func(context.Context, store.CaseFilter) ([]store.Case, int, error)
	createCaseFn         func(context.Context, store.Case, string, []store.Notification) error
	addVersionFn         func(context.Context, string, string, store.CaseUpdate, []store.Notification) (store.Case, store.VersionEntry, error)
	addCommentFn         func(context.Context, string, string, string, []store.Notification) (store.VersionEntry, error)
	getVersionByNumberFn func(context.Context, string, int) (store.VersionEntry, error)
	listActiveAdminsFn   func(context.Context) ([]store.User, error)
	approveUserFn        func(context.Context, string, string) (bool, error)
	deactivateCaseFn     func(context.Context, string) (bool, error)
	insertNotifsFn       func(context.Context, []store.Notification) error
	caseStatsFn          func(context.Context, string, string) (store.CaseStats, error)
	revokedJTIs          map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]store.User), revokedJTIs: make(map[string]bool)}
}

func (f *fakeStore) addUser(t *testing.T, id, email, password, role string, active bool) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	regState := "ACTIVO"
	if !active {
		regState = "INACTIVO"
	}
	user := store.User{
		ID:           id,
		Email:        email,
		FullName:     "Usuario " + id,
		PasswordHash: string(hash),
		Role:         role,
		Active:       active,
		RegState:     regState,
	}
	f.users[id] = user
	return user
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, userID, hash string) error {
	user := f.users[userID]
	user.PasswordHash = hash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID, fullName string) error {
	user := f.users[userID]
	user.FullName = fullName
	f.users[userID] = user
	return nil
}

func (f *fakeStore) TouchLastAccess(context.Context, string) error { return nil }

func (f *fakeStore) ListUsers(context.Context, string) ([]store.User, error) { return nil, nil }

func (f *fakeStore) ListActiveAdmins(ctx context.Context) ([]store.User, error) {
	if f.listActiveAdminsFn != nil {
		return f.listActiveAdminsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) ApproveUser(ctx context.Context, userID, role string) (bool, error) {
	if f.approveUserFn != nil {
		return f.approveUserFn(ctx, userID, role)
	}
	return false, nil
}

func (f *fakeStore) UpdateUserRole(_ context.Context, userID, role string) (bool, error) {
	user, ok := f.users[userID]
	if !ok || user.RegState != "ACTIVO" {
		return false, nil
	}
	user.Role = role
	f.users[userID] = user
	return true, nil
}

func (f *fakeStore) SetUserActive(context.Context, string, bool) (bool, error) { return true, nil }

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) GetCase(ctx context.Context, caseID string) (store.Case, error) {
	if f.getCaseFn != nil {
		return f.getCaseFn(ctx, caseID)
	}
	return store.Case{}, sql.ErrNoRows
}

func (f *fakeStore) ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, int, error) {
	if f.listCasesFn != nil {
		return f.listCasesFn(ctx, filter)
	}
	return nil, 0, nil
}

func (f *fakeStore) CreateCase(ctx context.Context, item store.Case, changes string, notifs []store.Notification) error {
	if f.createCaseFn != nil {
		return f.createCaseFn(ctx, item, changes, notifs)
	}
	return nil
}

func (f *fakeStore) AddVersion(ctx context.Context, caseID, updatedBy string, upd store.CaseUpdate, notifs []store.Notification) (store.Case, store.VersionEntry, error) {
	if f.addVersionFn != nil {
		return f.addVersionFn(ctx, caseID, updatedBy, upd, notifs)
	}
	return store.Case{}, store.VersionEntry{}, nil
}

func (f *fakeStore) AddComment(ctx context.Context, caseID, updatedBy, comment string, notifs []store.Notification) (store.VersionEntry, error) {
	if f.addCommentFn != nil {
		return f.addCommentFn(ctx, caseID, updatedBy, comment, notifs)
	}
	return store.VersionEntry{}, nil
}

func (f *fakeStore) ListVersions(context.Context, string) ([]store.VersionEntry, error) {
	return nil, nil
}

func (f *fakeStore) GetVersionByNumber(ctx context.Context, caseID string, number int) (store.VersionEntry, error) {
	if f.getVersionByNumberFn != nil {
		return f.getVersionByNumberFn(ctx, caseID, number)
	}
	return store.VersionEntry{}, sql.ErrNoRows
}

func (f *fakeStore) Timeline(context.Context, string) ([]store.VersionEntry, error) { return nil, nil }

func (f *fakeStore) DeactivateCase(ctx context.Context, caseID string) (bool, error) {
	if f.deactivateCaseFn != nil {
		return f.deactivateCaseFn(ctx, caseID)
	}
	return true, nil
}

func (f *fakeStore) InsertNote(_ context.Context, note store.CaseNote, _ []store.Notification) (store.CaseNote, error) {
	note.ID = 1
	return note, nil
}

func (f *fakeStore) ListNotes(context.Context, string) ([]store.CaseNote, error) { return nil, nil }

func (f *fakeStore) InsertNotifications(ctx context.Context, notifs []store.Notification) error {
	if f.insertNotifsFn != nil {
		return f.insertNotifsFn(ctx, notifs)
	}
	return nil
}

func (f *fakeStore) ListNotifications(context.Context, string, bool, int) ([]store.Notification, error) {
	return nil, nil
}

func (f *fakeStore) UnreadNotificationCount(context.Context, string) (int, error) { return 0, nil }

func (f *fakeStore) MarkNotificationRead(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (f *fakeStore) MarkAllNotificationsRead(context.Context, string) (int, error) { return 0, nil }

func (f *fakeStore) InsertCaseDocument(context.Context, store.Document) error { return nil }

func (f *fakeStore) GetCaseDocument(context.Context, string) (store.Document, error) {
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) ListCaseDocuments(context.Context, string) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeStore) DeleteCaseDocument(context.Context, string) (bool, error) { return true, nil }

func (f *fakeStore) CaseStats(ctx context.Context, category, userID string) (store.CaseStats, error) {
	if f.caseStatsFn != nil {
		return f.caseStatsFn(ctx, category, userID)
	}
	return store.CaseStats{}, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	saved map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.saved[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	if user, ok := f.saved[tokenHash]; ok {
		return user, nil
	}
	return store.User{}, errors.New("session not found")
}

func (f *fakeSessions) DeleteRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeQueue struct {
	jobs []notify.Job
}

func (f *fakeQueue) Enqueue(job notify.Job) { f.jobs = append(f.jobs, job) }

type fakeIndex struct {
	lastQuery search.Query
	indexed   []search.CaseRecord
	deleted   []string
}

func (f *fakeIndex) Search(q search.Query) search.Response {
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndex) IndexCase(record search.CaseRecord) { f.indexed = append(f.indexed, record) }
func (f *fakeIndex) DeleteCase(id string)              { f.deleted = append(f.deleted, id) }

type fakeLimiter struct {
	allowed        bool
	retryAfter     time.Duration
	failures       int
	blockOnFailure bool
	successes      int
}

func (f *fakeLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	return f.allowed, f.retryAfter, nil
}

func (f *fakeLimiter) Success(context.Context, string, string) error {
	f.successes++
	return nil
}

func (f *fakeLimiter) Failure(context.Context, string, string) (bool, time.Duration, error) {
	f.failures++
	return f.blockOnFailure, 0, nil
}

func newTestService(fs *fakeStore, mods ...func(*Service)) *Service {
	svc := &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		store:    fs,
		sessions: newFakeSessions(),
		accounts: accounts.NewService(fs),
		logger:   zap.NewNop(),
	}
	for _, mod := range mods {
		mod(svc)
	}
	return svc
}

func adminSession() Session {
	return Session{UserID: "usr_admin", UserName: "Admin", Role: "ADMIN"}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("issues access and refresh tokens", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
		lim := &fakeLimiter{allowed: true}
		svc := newTestService(fs, func(s *Service) { s.limiter = lim })

		session, err := svc.Login(ctx, "ana@cliente.mx", "password123", "1.2.3.4:100")
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if session.Token == "" || session.RefreshToken == "" {
			t.Fatal("expected both tokens")
		}
		if session.Role != "CONTABLE" {
			t.Fatalf("unexpected role %q", session.Role)
		}
		if lim.successes != 1 {
			t.Fatalf("expected limiter reset, got %d", lim.successes)
		}
		sessions := svc.sessions.(*fakeSessions)
		if _, ok := sessions.saved[auth.HashToken(session.RefreshToken)]; !ok {
			t.Fatal("refresh session must be stored under its hash")
		}
	})

	t.Run("wrong password records a failure", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
		lim := &fakeLimiter{allowed: true}
		svc := newTestService(fs, func(s *Service) { s.limiter = lim })

		_, err := svc.Login(ctx, "ana@cliente.mx", "equivocada", "1.2.3.4:100")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_CREDENTIALS" {
			t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
		}
		if lim.failures != 1 {
			t.Fatalf("expected one recorded failure, got %d", lim.failures)
		}
	})

	t.Run("blocked caller is rejected before credentials", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
		lim := &fakeLimiter{allowed: false, retryAfter: 10 * time.Minute}
		svc := newTestService(fs, func(s *Service) { s.limiter = lim })

		_, err := svc.Login(ctx, "ana@cliente.mx", "password123", "1.2.3.4:100")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "RATE_LIMITED" {
			t.Fatalf("expected RATE_LIMITED, got %v", err)
		}
	})

	t.Run("pending account maps to 403", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "", true)
		user := fs.users["usr_1"]
		user.RegState = "PENDIENTE"
		user.Active = false
		fs.users["usr_1"] = user
		svc := newTestService(fs)

		_, err := svc.Login(ctx, "ana@cliente.mx", "password123", "1.2.3.4:100")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "PENDING_APPROVAL" {
			t.Fatalf("expected PENDING_APPROVAL, got %v", err)
		}
	})
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	svc := newTestService(fs)

	session, err := svc.Login(ctx, "ana@cliente.mx", "password123", "1.2.3.4:100")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("old refresh token must stop working after rotation")
	}

	// Deactivated accounts cannot refresh even with a live token.
	user := fs.users["usr_1"]
	user.Active = false
	user.RegState = "INACTIVO"
	fs.users["usr_1"] = user
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("deactivated account must not refresh")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	svc := newTestService(fs)

	session, err := svc.Login(ctx, "ana@cliente.mx", "password123", "1.2.3.4:100")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err != nil {
		t.Fatalf("SessionFromToken() before logout error = %v", err)
	}

	if err := svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("revoked token must be rejected")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("refresh session must be gone after logout")
	}
}

func TestApproveUser(t *testing.T) {
	ctx := context.Background()

	t.Run("activates and notifies the user", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_new", "nuevo@cliente.mx", "password123", "", true)
		fs.approveUserFn = func(_ context.Context, userID, role string) (bool, error) {
			if userID != "usr_new" || role != "JURIDICO" {
				t.Fatalf("unexpected approve args: %s %s", userID, role)
			}
			return true, nil
		}
		var inserted []store.Notification
		fs.insertNotifsFn = func(_ context.Context, notifs []store.Notification) error {
			inserted = notifs
			return nil
		}
		queue := &fakeQueue{}
		svc := newTestService(fs, func(s *Service) { s.queue = queue })

		payload, err := svc.ApproveUser(ctx, adminSession(), "usr_new", "JURIDICO")
		if err != nil {
			t.Fatalf("ApproveUser() error = %v", err)
		}
		if payload["rol"] != "JURIDICO" || payload["estado_registro"] != "ACTIVO" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if len(inserted) != 1 || inserted[0].Type != store.NotifyAccountApproved {
			t.Fatalf("expected one approval notification, got %+v", inserted)
		}
		if len(queue.jobs) != 1 || queue.jobs[0].To != "nuevo@cliente.mx" {
			t.Fatalf("expected one email job, got %+v", queue.jobs)
		}
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		svc := newTestService(newFakeStore())
		_, err := svc.ApproveUser(ctx, adminSession(), "usr_new", "GERENTE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		svc := newTestService(newFakeStore())
		_, err := svc.ApproveUser(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, "usr_new", "CONTABLE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 {
			t.Fatalf("expected 403, got %v", err)
		}
	})

	t.Run("already approved conflicts", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_new", "nuevo@cliente.mx", "password123", "CONTABLE", true)
		fs.approveUserFn = func(context.Context, string, string) (bool, error) { return false, nil }
		svc := newTestService(fs)

		_, err := svc.ApproveUser(ctx, adminSession(), "usr_new", "CONTABLE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NOT_PENDING" {
			t.Fatalf("expected NOT_PENDING, got %v", err)
		}
	})
}

func TestChangeUserRole(t *testing.T) {
	ctx := context.Background()

	t.Run("reassigns an active account", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
		svc := newTestService(fs)

		payload, err := svc.ChangeUserRole(ctx, adminSession(), "usr_1", "JURIDICO")
		if err != nil {
			t.Fatalf("ChangeUserRole() error = %v", err)
		}
		if payload["rol"] != "JURIDICO" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if fs.users["usr_1"].Role != "JURIDICO" {
			t.Fatalf("role must be persisted, got %q", fs.users["usr_1"].Role)
		}
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		svc := newTestService(newFakeStore())
		_, err := svc.ChangeUserRole(ctx, adminSession(), "usr_1", "GERENTE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		svc := newTestService(newFakeStore())
		_, err := svc.ChangeUserRole(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, "usr_2", "JURIDICO")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 {
			t.Fatalf("expected 403, got %v", err)
		}
	})

	t.Run("own role is off limits", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_admin", "admin@despacho.mx", "password123", "ADMIN", true)
		svc := newTestService(fs)

		_, err := svc.ChangeUserRole(ctx, adminSession(), "usr_admin", "CONTABLE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "SELF_ROLE_CHANGE" {
			t.Fatalf("expected SELF_ROLE_CHANGE, got %v", err)
		}
	})

	t.Run("pending account conflicts", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_new", "nuevo@cliente.mx", "password123", "", true)
		user := fs.users["usr_new"]
		user.RegState = "PENDIENTE"
		fs.users["usr_new"] = user
		svc := newTestService(fs)

		_, err := svc.ChangeUserRole(ctx, adminSession(), "usr_new", "CONTABLE")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NOT_APPROVED" {
			t.Fatalf("expected NOT_APPROVED, got %v", err)
		}
	})
}

func TestCreateCase(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong category for role forbidden", func(t *testing.T) {
		svc := newTestService(newFakeStore())
		_, err := svc.CreateCase(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, CreateCaseInput{
			Category:   "JURIDICO",
			Title:      "Demanda",
			ClientName: "ACME",
		})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 {
			t.Fatalf("expected 403, got %v", err)
		}
	})

	t.Run("creates with generated number and notifies admins", func(t *testing.T) {
		fs := newFakeStore()
		fs.listActiveAdminsFn = func(context.Context) ([]store.User, error) {
			return []store.User{
				{ID: "usr_admin", Email: "admin@despacho.mx", FullName: "Admin", Role: "ADMIN", Active: true},
				{ID: "usr_1", Email: "ana@cliente.mx", FullName: "Ana", Role: "ADMIN", Active: true},
			}, nil
		}
		var created store.Case
		var notifs []store.Notification
		fs.createCaseFn = func(_ context.Context, item store.Case, changes string, ns []store.Notification) error {
			if changes == "" {
				t.Fatal("initial version must describe the change")
			}
			created = item
			notifs = ns
			for i := range ns {
				ns[i].ID = int64(i + 1)
			}
			return nil
		}
		fs.getCaseFn = func(_ context.Context, caseID string) (store.Case, error) {
			created.CreatedByName = "Ana"
			return created, nil
		}
		queue := &fakeQueue{}
		index := &fakeIndex{}
		svc := newTestService(fs, func(s *Service) {
			s.queue = queue
			s.index = index
		})

		payload, err := svc.CreateCase(ctx, Session{UserID: "usr_1", UserName: "Ana", Role: "CONTABLE"}, CreateCaseInput{
			Category:    "contable",
			Title:       "Declaración anual",
			ClientName:  "ACME SA de CV",
			ClientTaxID: "ACM010101AAA",
		})
		if err != nil {
			t.Fatalf("CreateCase() error = %v", err)
		}
		if !strings.HasPrefix(created.CaseNumber, "CON-") {
			t.Fatalf("expected CON- prefix, got %s", created.CaseNumber)
		}
		if created.SupervisorID != "usr_1" || created.Status != "ABIERTO" {
			t.Fatalf("unexpected case: %+v", created)
		}
		// The creating admin is excluded from notifications.
		if len(notifs) != 1 || notifs[0].UserID != "usr_admin" {
			t.Fatalf("expected one admin notification, got %+v", notifs)
		}
		if len(queue.jobs) != 1 || queue.jobs[0].NotificationID != 1 {
			t.Fatalf("expected email job with stored notification id, got %+v", queue.jobs)
		}
		if len(index.indexed) != 1 || index.indexed[0].CaseNumber != created.CaseNumber {
			t.Fatalf("case must be indexed, got %+v", index.indexed)
		}
		if payload["case"] == nil {
			t.Fatal("payload must carry the case")
		}
	})
}

func TestUpdateCase(t *testing.T) {
	ctx := context.Background()
	baseCase := store.Case{
		ID:             "cas_1",
		CaseNumber:     "CON-12345678-001",
		Category:       "CONTABLE",
		Title:          "Declaración anual",
		Status:         "ABIERTO",
		ClientName:     "ACME",
		SupervisorID:   "usr_sup",
		CurrentVersion: 1,
		Active:         true,
	}

	t.Run("same category non-supervisor cannot add versions", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		title := "Otro título"
		_, err := svc.UpdateCase(ctx, Session{UserID: "usr_other", Role: "CONTABLE"}, "cas_1", UpdateCaseInput{Title: &title})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 {
			t.Fatalf("expected 403, got %v", err)
		}
	})

	t.Run("supervisor update bumps version and notifies assignee", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_emp", "empleado@despacho.mx", "password123", "CONTABLE", true)
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		var captured store.CaseUpdate
		fs.addVersionFn = func(_ context.Context, caseID, updatedBy string, upd store.CaseUpdate, notifs []store.Notification) (store.Case, store.VersionEntry, error) {
			captured = upd
			updated := baseCase
			updated.Status = "EN_PROCESO"
			updated.CurrentVersion = 2
			assignee := "usr_emp"
			updated.AssignedTo = &assignee
			entry := store.VersionEntry{ID: 7, CaseID: caseID, VersionNumber: 2, Kind: store.EntryVersion, NewStatus: "EN_PROCESO", UpdatedBy: updatedBy}
			return updated, entry, nil
		}
		queue := &fakeQueue{}
		index := &fakeIndex{}
		svc := newTestService(fs, func(s *Service) {
			s.queue = queue
			s.index = index
		})

		status := "en_proceso"
		assignee := "usr_emp"
		payload, err := svc.UpdateCase(ctx, Session{UserID: "usr_sup", Role: "CONTABLE"}, "cas_1", UpdateCaseInput{
			Status:     &status,
			AssignedTo: &assignee,
		})
		if err != nil {
			t.Fatalf("UpdateCase() error = %v", err)
		}
		if captured.Status == nil || *captured.Status != "EN_PROCESO" {
			t.Fatalf("status must be uppercased, got %+v", captured.Status)
		}
		if !strings.Contains(captured.Changes, "estado") || !strings.Contains(captured.Changes, "asignado_a") {
			t.Fatalf("changes must list the touched fields, got %q", captured.Changes)
		}
		foundAssignment := false
		for _, job := range queue.jobs {
			if job.Type == store.NotifyCaseAssigned && job.To == "empleado@despacho.mx" {
				foundAssignment = true
			}
		}
		if !foundAssignment {
			t.Fatalf("assignee must get an assignment email, got %+v", queue.jobs)
		}
		if len(index.indexed) != 1 || index.indexed[0].Status != "EN_PROCESO" {
			t.Fatalf("updated case must be reindexed, got %+v", index.indexed)
		}
		if payload["version"] == nil {
			t.Fatal("payload must carry the version entry")
		}
	})

	t.Run("admin activity skips the admin pool", func(t *testing.T) {
		fs := newFakeStore()
		fs.addUser(t, "usr_sup", "supervisor@despacho.mx", "password123", "CONTABLE", true)
		fs.listActiveAdminsFn = func(context.Context) ([]store.User, error) {
			return []store.User{
				{ID: "usr_admin", Email: "admin@despacho.mx", Active: true},
				{ID: "usr_admin2", Email: "admin2@despacho.mx", Active: true},
			}, nil
		}
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		var captured []store.Notification
		fs.addVersionFn = func(_ context.Context, caseID, updatedBy string, _ store.CaseUpdate, notifs []store.Notification) (store.Case, store.VersionEntry, error) {
			captured = notifs
			entry := store.VersionEntry{ID: 8, CaseID: caseID, VersionNumber: 2, Kind: store.EntryVersion, NewStatus: baseCase.Status, UpdatedBy: updatedBy}
			return baseCase, entry, nil
		}
		svc := newTestService(fs)

		title := "Revisión administrativa"
		_, err := svc.UpdateCase(ctx, adminSession(), "cas_1", UpdateCaseInput{Title: &title})
		if err != nil {
			t.Fatalf("UpdateCase() error = %v", err)
		}
		if len(captured) != 1 || captured[0].UserID != "usr_sup" {
			t.Fatalf("admin activity must notify only the supervisor, got %+v", captured)
		}
	})

	t.Run("empty update rejected", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		_, err := svc.UpdateCase(ctx, Session{UserID: "usr_sup", Role: "CONTABLE"}, "cas_1", UpdateCaseInput{})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NO_OP_UPDATE" {
			t.Fatalf("expected NO_OP_UPDATE, got %v", err)
		}
	})

	t.Run("unchanged status alone is a no-op", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		status := "abierto"
		_, err := svc.UpdateCase(ctx, Session{UserID: "usr_sup", Role: "CONTABLE"}, "cas_1", UpdateCaseInput{Status: &status})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NO_OP_UPDATE" {
			t.Fatalf("expected NO_OP_UPDATE, got %v", err)
		}
	})

	t.Run("invalid transition surfaces as 422", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		fs.addVersionFn = func(context.Context, string, string, store.CaseUpdate, []store.Notification) (store.Case, store.VersionEntry, error) {
			return store.Case{}, store.VersionEntry{}, store.ErrInvalidTransition
		}
		svc := newTestService(fs)

		status := "CERRADO"
		_, err := svc.UpdateCase(ctx, Session{UserID: "usr_sup", Role: "CONTABLE"}, "cas_1", UpdateCaseInput{Status: &status})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_TRANSITION" {
			t.Fatalf("expected INVALID_TRANSITION, got %v", err)
		}
	})
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	baseCase := store.Case{
		ID:           "cas_1",
		Category:     "CONTABLE",
		SupervisorID: "usr_sup",
		Active:       true,
	}

	snapshot := func(t *testing.T, title, status string) json.RawMessage {
		t.Helper()
		raw, err := json.Marshal(store.Snapshot{
			CaseNumber: "CON-12345678-001",
			Category:   "CONTABLE",
			Title:      title,
			Status:     status,
			ClientName: "ACME",
		})
		if err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
		return raw
	}

	t.Run("same version yields empty diff", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		payload, err := svc.Compare(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, "cas_1", 2, 2)
		if err != nil {
			t.Fatalf("Compare() error = %v", err)
		}
		diffs := payload["diffs"].([]store.FieldDiff)
		if len(diffs) != 0 {
			t.Fatalf("expected empty diff, got %+v", diffs)
		}
	})

	t.Run("diffs changed fields between versions", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		fs.getVersionByNumberFn = func(_ context.Context, _ string, number int) (store.VersionEntry, error) {
			switch number {
			case 1:
				return store.VersionEntry{VersionNumber: 1, Snapshot: snapshot(t, "Original", "ABIERTO")}, nil
			case 3:
				return store.VersionEntry{VersionNumber: 3, Snapshot: snapshot(t, "Ajustado", "EN_PROCESO")}, nil
			default:
				return store.VersionEntry{}, sql.ErrNoRows
			}
		}
		svc := newTestService(fs)

		// Reversed order still diffs older against newer.
		payload, err := svc.Compare(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, "cas_1", 3, 1)
		if err != nil {
			t.Fatalf("Compare() error = %v", err)
		}
		diffs := payload["diffs"].([]store.FieldDiff)
		if len(diffs) != 2 {
			t.Fatalf("expected 2 diffs, got %+v", diffs)
		}
	})

	t.Run("missing version is 404", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		_, err := svc.Compare(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, "cas_1", 1, 9)
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows, got %v", err)
		}
	})
}

func TestDeleteCase(t *testing.T) {
	ctx := context.Background()
	baseCase := store.Case{ID: "cas_1", Category: "JURIDICO", SupervisorID: "usr_sup", Active: true}

	t.Run("supervisor without admin cannot delete", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		svc := newTestService(fs)

		err := svc.DeleteCase(ctx, Session{UserID: "usr_sup", Role: "JURIDICO"}, "cas_1")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 {
			t.Fatalf("expected 403, got %v", err)
		}
	})

	t.Run("admin soft-deletes and drops from index", func(t *testing.T) {
		fs := newFakeStore()
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return baseCase, nil }
		index := &fakeIndex{}
		svc := newTestService(fs, func(s *Service) { s.index = index })

		if err := svc.DeleteCase(ctx, adminSession(), "cas_1"); err != nil {
			t.Fatalf("DeleteCase() error = %v", err)
		}
		if len(index.deleted) != 1 || index.deleted[0] != "cas_1" {
			t.Fatalf("case must leave the index, got %+v", index.deleted)
		}
	})
}

func TestListCasesScopesCategory(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	var seen store.CaseFilter
	fs.listCasesFn = func(_ context.Context, filter store.CaseFilter) ([]store.Case, int, error) {
		seen = filter
		return nil, 0, nil
	}
	svc := newTestService(fs)

	_, err := svc.ListCases(ctx, Session{UserID: "usr_1", Role: "JURIDICO"}, store.CaseFilter{Category: "CONTABLE"})
	if err != nil {
		t.Fatalf("ListCases() error = %v", err)
	}
	if seen.Category != "JURIDICO" {
		t.Fatalf("non-admin filter must be forced to own category, got %q", seen.Category)
	}
}

func TestSearchScopesCategory(t *testing.T) {
	ctx := context.Background()
	index := &fakeIndex{}
	svc := newTestService(newFakeStore(), func(s *Service) { s.index = index })

	_, err := svc.SearchCases(ctx, Session{UserID: "usr_1", Role: "CONTABLE"}, search.Query{Text: "acme", FilterCategory: "JURIDICO"})
	if err != nil {
		t.Fatalf("SearchCases() error = %v", err)
	}
	if index.lastQuery.FilterCategory != "CONTABLE" {
		t.Fatalf("non-admin search must be scoped, got %q", index.lastQuery.FilterCategory)
	}
}

func TestStatsScope(t *testing.T) {
	ctx := context.Background()

	t.Run("admin sees everything", func(t *testing.T) {
		fs := newFakeStore()
		fs.caseStatsFn = func(_ context.Context, category, userID string) (store.CaseStats, error) {
			if category != "" {
				t.Fatalf("admin stats must not be scoped, got %q", category)
			}
			return store.CaseStats{Total: 10}, nil
		}
		svc := newTestService(fs)
		if _, err := svc.Stats(ctx, adminSession()); err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
	})

	t.Run("non-admin scoped to own category", func(t *testing.T) {
		fs := newFakeStore()
		fs.caseStatsFn = func(_ context.Context, category, userID string) (store.CaseStats, error) {
			if category != "JURIDICO" || userID != "usr_1" {
				t.Fatalf("unexpected scope: %q %q", category, userID)
			}
			return store.CaseStats{}, nil
		}
		svc := newTestService(fs)
		if _, err := svc.Stats(ctx, Session{UserID: "usr_1", Role: "JURIDICO"}); err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
	})
}
