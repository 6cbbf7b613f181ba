// Package app wires storage, sessions, search, documents and
// notifications into the HTTP-facing case management service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"despacho/api/internal/accounts"
	"despacho/api/internal/auth"
	"despacho/api/internal/config"
	"despacho/api/internal/limiter"
	"despacho/api/internal/notify"
	"despacho/api/internal/rbac"
	"despacho/api/internal/search"
	"despacho/api/internal/store"
	"despacho/api/internal/util"
)

// dataStore is the persistence surface the service depends on.
type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsers(ctx context.Context, regState string) ([]store.User, error)
	ListActiveAdmins(ctx context.Context) ([]store.User, error)
	ApproveUser(ctx context.Context, userID, role string) (bool, error)
	UpdateUserRole(ctx context.Context, userID, role string) (bool, error)
	SetUserActive(ctx context.Context, userID string, active bool) (bool, error)

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	GetCase(ctx context.Context, caseID string) (store.Case, error)
	ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, int, error)
	CreateCase(ctx context.Context, item store.Case, changes string, notifs []store.Notification) error
	AddVersion(ctx context.Context, caseID, updatedBy string, upd store.CaseUpdate, notifs []store.Notification) (store.Case, store.VersionEntry, error)
	AddComment(ctx context.Context, caseID, updatedBy, comment string, notifs []store.Notification) (store.VersionEntry, error)
	ListVersions(ctx context.Context, caseID string) ([]store.VersionEntry, error)
	GetVersionByNumber(ctx context.Context, caseID string, number int) (store.VersionEntry, error)
	Timeline(ctx context.Context, caseID string) ([]store.VersionEntry, error)
	DeactivateCase(ctx context.Context, caseID string) (bool, error)
	InsertNote(ctx context.Context, note store.CaseNote, notifs []store.Notification) (store.CaseNote, error)
	ListNotes(ctx context.Context, caseID string) ([]store.CaseNote, error)

	InsertNotifications(ctx context.Context, notifs []store.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	UnreadNotificationCount(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID string, notificationID int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)

	InsertCaseDocument(ctx context.Context, doc store.Document) error
	GetCaseDocument(ctx context.Context, documentID string) (store.Document, error)
	ListCaseDocuments(ctx context.Context, caseID string) ([]store.Document, error)
	DeleteCaseDocument(ctx context.Context, documentID string) (bool, error)

	CaseStats(ctx context.Context, category, userID string) (store.CaseStats, error)
	Ping(ctx context.Context) error
}

// sessionStore keeps refresh sessions, in Redis or in Postgres.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	DeleteRefreshSession(ctx context.Context, tokenHash string) error
}

// caseIndex is the search surface the service needs.
type caseIndex interface {
	Search(q search.Query) search.Response
	IndexCase(record search.CaseRecord)
	DeleteCase(id string)
}

// objectStore holds case files.
type objectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PresignedGet(ctx context.Context, key, downloadName string) (string, error)
	Remove(ctx context.Context, key string) error
}

// jobQueue hands notification emails to the background worker.
type jobQueue interface {
	Enqueue(job notify.Job)
}

// Service implements the case management operations.
type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *accounts.Service
	limiter  limiter.Limiter
	index    caseIndex
	docs     objectStore
	queue    jobQueue
	logger   *zap.Logger
}

func New(
	cfg config.Config,
	st dataStore,
	sessions sessionStore,
	accountsSvc *accounts.Service,
	lim limiter.Limiter,
	index caseIndex,
	docs objectStore,
	queue jobQueue,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		accounts: accountsSvc,
		limiter:  lim,
		index:    index,
		docs:     docs,
		queue:    queue,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Session is an authenticated caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) subject() rbac.Subject {
	return rbac.Subject{ID: s.UserID, Role: rbac.Role(s.Role)}
}

// Register creates a pending account and notifies active administrators.
func (s *Service) Register(ctx context.Context, email, password, fullName string) (map[string]any, error) {
	user, err := s.accounts.Register(ctx, accounts.RegisterRequest{
		Email:    email,
		Password: password,
		FullName: fullName,
	})
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrEmailTaken):
			return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		case errors.Is(err, accounts.ErrWeakPassword):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Password must be at least 8 characters", nil)
		case errors.Is(err, accounts.ErrMissingFields):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Email, password and full name are required", nil)
		default:
			return nil, err
		}
	}

	admins, err := s.store.ListActiveAdmins(ctx)
	if err != nil {
		s.logger.Warn("list admins for registration notice", zap.Error(err))
		admins = nil
	}
	if len(admins) > 0 {
		notifs := make([]store.Notification, 0, len(admins))
		for _, admin := range admins {
			notifs = append(notifs, store.Notification{
				UserID:  admin.ID,
				Type:    store.NotifyNewRegistration,
				Message: fmt.Sprintf("Nuevo registro pendiente de aprobación: %s (%s)", user.FullName, user.Email),
			})
		}
		if err := s.store.InsertNotifications(ctx, notifs); err != nil {
			s.logger.Warn("insert registration notifications", zap.Error(err))
		} else if s.queue != nil {
			for i, admin := range admins {
				s.queue.Enqueue(notify.Job{
					NotificationID: notifs[i].ID,
					Type:           store.NotifyNewRegistration,
					To:             admin.Email,
					ToName:         admin.FullName,
					SubjectName:    user.FullName,
					SubjectEmail:   user.Email,
				})
			}
		}
	}

	return map[string]any{
		"userId":  user.ID,
		"message": "Registro recibido. Un administrador debe aprobar la cuenta.",
	}, nil
}

// Login authenticates credentials under the per-user-per-IP rate limit.
func (s *Service) Login(ctx context.Context, email, password, remoteAddr string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	ipHash := limiter.HashIP(remoteAddr)

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, email, ipHash)
		if err != nil {
			return Session{}, fmt.Errorf("limiter allow: %w", err)
		}
		if !allowed {
			return Session{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many failed attempts",
				map[string]any{"retryAfterSeconds": int(retryAfter.Seconds())})
		}
	}

	user, err := s.accounts.Authenticate(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrInvalidCredentials):
			if s.limiter != nil {
				if blocked, blockFor, lerr := s.limiter.Failure(ctx, email, ipHash); lerr != nil {
					s.logger.Warn("limiter failure", zap.Error(lerr))
				} else if blocked {
					return Session{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many failed attempts",
						map[string]any{"retryAfterSeconds": int(blockFor.Seconds())})
				}
			}
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		case errors.Is(err, accounts.ErrPendingApproval):
			return Session{}, domainError(http.StatusForbidden, "PENDING_APPROVAL", "Account pending approval", nil)
		case errors.Is(err, accounts.ErrAccountInactive):
			return Session{}, domainError(http.StatusForbidden, "ACCOUNT_INACTIVE", "Account deactivated", nil)
		default:
			return Session{}, err
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Success(ctx, email, ipHash); err != nil {
			s.logger.Warn("limiter success", zap.Error(err))
		}
	}

	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, user.Role, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID("rft") + util.NewID("")
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.FullName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token. The old token is deleted before the
// new session is issued, and the account state is re-checked so a
// deactivated user cannot keep refreshing.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	hash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.DeleteRefreshSession(ctx, hash); err != nil {
		s.logger.Warn("delete rotated refresh session", zap.Error(err))
	}

	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if !user.Active || user.RegState != "ACTIVO" {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

// SessionFromToken validates an access token against the revocation list
// and resolves the current user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if !user.Active {
		return Session{}, auth.ErrInvalidToken
	}

	session := Session{
		UserID:   user.ID,
		UserName: user.FullName,
		Email:    user.Email,
		Role:     user.Role,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the access token and drops the refresh session.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		exp := session.ExpiresAt
		if exp.IsZero() {
			exp = time.Now().Add(s.cfg.AccessTTL)
		}
		if err := s.store.RevokeAccessToken(ctx, session.JTI, exp); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.DeleteRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("delete refresh session on logout", zap.Error(err))
		}
	}
	return nil
}

// ---- user administration ----

func (s *Service) ListUsers(ctx context.Context, session Session, regState string) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if regState != "" && regState != "PENDIENTE" && regState != "ACTIVO" && regState != "INACTIVO" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown registration state", nil)
	}
	users, err := s.store.ListUsers(ctx, regState)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return map[string]any{"users": items}, nil
}

// ApproveUser activates a pending account with the assigned role and
// notifies the new user.
func (s *Service) ApproveUser(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !rbac.ValidRole(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be ADMIN, CONTABLE or JURIDICO", nil)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	approved, err := s.store.ApproveUser(ctx, userID, role)
	if err != nil {
		return nil, fmt.Errorf("approve user: %w", err)
	}
	if !approved {
		return nil, domainError(http.StatusConflict, "NOT_PENDING", "Account is not pending approval", nil)
	}

	notifs := []store.Notification{{
		UserID:  userID,
		Type:    store.NotifyAccountApproved,
		Message: fmt.Sprintf("Tu cuenta fue aprobada con el rol %s", role),
	}}
	if err := s.store.InsertNotifications(ctx, notifs); err != nil {
		s.logger.Warn("insert approval notification", zap.Error(err))
	} else if s.queue != nil {
		s.queue.Enqueue(notify.Job{
			NotificationID: notifs[0].ID,
			Type:           store.NotifyAccountApproved,
			To:             user.Email,
			ToName:         user.FullName,
			Role:           role,
		})
	}

	user.Role = role
	user.Active = true
	user.RegState = "ACTIVO"
	return userPayload(user), nil
}

// ChangeUserRole reassigns an active account's role. Pending accounts
// get their role through approval instead.
func (s *Service) ChangeUserRole(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !rbac.ValidRole(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be ADMIN, CONTABLE or JURIDICO", nil)
	}
	if userID == session.UserID {
		return nil, domainError(http.StatusConflict, "SELF_ROLE_CHANGE", "Administrators cannot change their own role", nil)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.UpdateUserRole(ctx, userID, role)
	if err != nil {
		return nil, fmt.Errorf("change user role: %w", err)
	}
	if !changed {
		return nil, domainError(http.StatusConflict, "NOT_APPROVED", "Account has not been approved yet", nil)
	}
	user.Role = role
	return userPayload(user), nil
}

// SetUserActive toggles an approved account. Admins cannot deactivate
// themselves.
func (s *Service) SetUserActive(ctx context.Context, session Session, userID string, active bool) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !active && userID == session.UserID {
		return nil, domainError(http.StatusConflict, "SELF_DEACTIVATION", "Administrators cannot deactivate their own account", nil)
	}

	changed, err := s.store.SetUserActive(ctx, userID, active)
	if err != nil {
		return nil, fmt.Errorf("set user active: %w", err)
	}
	if !changed {
		return nil, domainError(http.StatusConflict, "NOT_APPROVED", "Account has not been approved yet", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

// ToggleUserActive flips the account's active flag.
func (s *Service) ToggleUserActive(ctx context.Context, session Session, userID string) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.SetUserActive(ctx, session, userID, !user.Active)
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, fullName string) (map[string]any, error) {
	if err := s.accounts.UpdateProfile(ctx, session.UserID, fullName); err != nil {
		if errors.Is(err, accounts.ErrMissingFields) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Full name is required", nil)
		}
		return nil, err
	}
	return s.Me(ctx, session)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, currentPassword, newPassword string) error {
	err := s.accounts.ChangePassword(ctx, session.UserID, currentPassword, newPassword)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
	case errors.Is(err, accounts.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Password must be at least 8 characters", nil)
	default:
		return err
	}
}

// ---- payload helpers ----

func userPayload(user store.User) map[string]any {
	payload := map[string]any{
		"id":              user.ID,
		"email":           user.Email,
		"nombre_completo": user.FullName,
		"rol":             user.Role,
		"activo":          user.Active,
		"estado_registro": user.RegState,
		"fecha_creacion":  user.CreatedAt,
	}
	if user.LastAccessAt != nil {
		payload["ultimo_acceso"] = *user.LastAccessAt
	} else {
		payload["ultimo_acceso"] = nil
	}
	return payload
}

// newCaseNumber builds a human-readable unique case number, for example
// CON-58234911-042.
func newCaseNumber(category rbac.Category) string {
	millis := fmt.Sprintf("%d", time.Now().UnixMilli())
	if len(millis) > 8 {
		millis = millis[len(millis)-8:]
	}
	return fmt.Sprintf("%s-%s-%03d", rbac.CategoryPrefix(category), millis, rand.Intn(1000))
}

// notFoundAsNil swallows sql.ErrNoRows for lookups that are optional.
func notFoundAsNil(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
