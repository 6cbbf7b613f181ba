package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"despacho/api/internal/rbac"
)

var (
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCaseInactive      = errors.New("case is inactive")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usuarios (id, email, nombre_completo, password_hash, rol, activo, estado_registro, email_verificado)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Email, user.FullName, user.PasswordHash, user.Role, user.Active, user.RegState, user.EmailVerified)
	if err != nil {
		if strings.Contains(err.Error(), "usuarios_email_key") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, nombre_completo, password_hash, rol, activo, estado_registro, email_verificado, fecha_creacion, ultimo_acceso`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Role,
		&user.Active,
		&user.RegState,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.LastAccessAt,
	)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM usuarios WHERE email=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM usuarios WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context, regState string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM usuarios
		WHERE ($1='' OR estado_registro=$1)
		ORDER BY fecha_creacion DESC
	`, regState)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListActiveAdmins(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM usuarios
		WHERE rol='ADMIN' AND activo AND estado_registro='ACTIVO'
	`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}
	return items, nil
}

// ApproveUser assigns a role and activates a pending account.
func (s *PostgresStore) ApproveUser(ctx context.Context, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE usuarios
		SET rol=$2, activo=TRUE, estado_registro='ACTIVO'
		WHERE id=$1 AND estado_registro='PENDIENTE'
	`, userID, role)
	if err != nil {
		return false, fmt.Errorf("approve user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve user rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateUserRole reassigns an approved account's role.
func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE usuarios
		SET rol=$2
		WHERE id=$1 AND estado_registro='ACTIVO'
	`, userID, role)
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user role rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetUserActive(ctx context.Context, userID string, active bool) (bool, error) {
	state := "INACTIVO"
	if active {
		state = "ACTIVO"
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE usuarios
		SET activo=$2, estado_registro=$3
		WHERE id=$1 AND estado_registro <> 'PENDIENTE'
	`, userID, active, state)
	if err != nil {
		return false, fmt.Errorf("set user active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set user active rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID, fullName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE usuarios SET nombre_completo=$2 WHERE id=$1`, userID, fullName)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE usuarios SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchLastAccess(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE usuarios SET ultimo_acceso=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch last access: %w", err)
	}
	return nil
}

// ---- refresh sessions and token revocation (fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, email, fullName, role string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, usuario_id, email, nombre_completo, rol, expira)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash) DO UPDATE SET usuario_id=EXCLUDED.usuario_id, expira=EXCLUDED.expira
	`, tokenHash, userID, email, fullName, role, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT usuario_id, email, nombre_completo, rol
		FROM refresh_sessions
		WHERE token_hash=$1 AND expira > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.FullName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) DeleteRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expira)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) PurgeExpiredAuth(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE expira <= NOW()`); err != nil {
		return fmt.Errorf("purge refresh sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expira <= NOW()`); err != nil {
		return fmt.Errorf("purge revoked tokens: %w", err)
	}
	return nil
}

// ---- cases ----

const caseColumns = `
	c.id, c.numero_caso, c.tipo_caso, c.titulo, c.descripcion, c.estado,
	c.cliente_nombre, c.cliente_rfc, c.creado_por, c.supervisor_id, c.asignado_a,
	c.version_actual, c.activo, c.fecha_creacion, c.fecha_actualizacion,
	cr.nombre_completo, sp.nombre_completo,
	(SELECT COUNT(*) FROM documentos d WHERE d.caso_id = c.id)`

const caseJoins = `
	FROM casos c
	JOIN usuarios cr ON cr.id = c.creado_por
	JOIN usuarios sp ON sp.id = c.supervisor_id`

func scanCase(row interface{ Scan(...any) error }) (Case, error) {
	var item Case
	err := row.Scan(
		&item.ID,
		&item.CaseNumber,
		&item.Category,
		&item.Title,
		&item.Description,
		&item.Status,
		&item.ClientName,
		&item.ClientTaxID,
		&item.CreatedBy,
		&item.SupervisorID,
		&item.AssignedTo,
		&item.CurrentVersion,
		&item.Active,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CreatedByName,
		&item.SupervisorName,
		&item.DocumentCount,
	)
	return item, err
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+caseJoins+` WHERE c.id=$1`, caseID)
	return scanCase(row)
}

var caseSortColumns = map[string]string{
	"fecha_creacion":      "c.fecha_creacion",
	"fecha_actualizacion": "c.fecha_actualizacion",
	"numero_caso":         "c.numero_caso",
	"estado":              "c.estado",
	"cliente_nombre":      "c.cliente_nombre",
}

// ListCases returns one page of active cases matching the filter plus the
// total match count. Sort columns go through a whitelist; anything else
// falls back to creation date.
func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]Case, int, error) {
	sortCol, ok := caseSortColumns[filter.SortBy]
	if !ok {
		sortCol = "c.fecha_creacion"
	}
	sortDir := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		sortDir = "ASC"
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	where := `
		WHERE c.activo
		  AND ($1='' OR c.tipo_caso=$1)
		  AND ($2='' OR c.estado=$2)
		  AND ($3='' OR c.cliente_nombre ILIKE '%' || $3 || '%')
		  AND ($4::timestamptz IS NULL OR c.fecha_creacion >= $4)
		  AND ($5::timestamptz IS NULL OR c.fecha_creacion <= $5)`

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM casos c`+where,
		filter.Category, filter.Status, filter.Client, filter.FromDate, filter.ToDate,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	query := `SELECT ` + caseColumns + caseJoins + where +
		` ORDER BY ` + sortCol + ` ` + sortDir + ` LIMIT $6 OFFSET $7`
	rows, err := s.db.QueryContext(ctx, query,
		filter.Category, filter.Status, filter.Client, filter.FromDate, filter.ToDate, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	items := make([]Case, 0)
	for rows.Next() {
		item, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan case: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate cases: %w", err)
	}
	return items, total, nil
}

func snapshotOf(c Case) ([]byte, error) {
	snap := Snapshot{
		CaseNumber:  c.CaseNumber,
		Category:    c.Category,
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		ClientName:  c.ClientName,
		ClientTaxID: c.ClientTaxID,
		AssignedTo:  c.AssignedTo,
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return encoded, nil
}

// CreateCase inserts the case, its initial ledger entry and the new-case
// notifications in one transaction.
func (s *PostgresStore) CreateCase(ctx context.Context, item Case, changes string, notifs []Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create case: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO casos (id, numero_caso, tipo_caso, titulo, descripcion, estado, cliente_nombre, cliente_rfc, creado_por, supervisor_id, asignado_a, version_actual, activo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, TRUE)
	`, item.ID, item.CaseNumber, item.Category, item.Title, item.Description, item.Status,
		item.ClientName, item.ClientTaxID, item.CreatedBy, item.SupervisorID, item.AssignedTo)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}

	snapshot, err := snapshotOf(item)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO versiones_caso (caso_id, version_numero, tipo_actualizacion, estado_anterior, estado_nuevo, cambios, actualizado_por, datos_snapshot)
		VALUES ($1, 1, 'VERSION', NULL, $2, $3, $4, $5)
	`, item.ID, item.Status, changes, item.CreatedBy, snapshot)
	if err != nil {
		return fmt.Errorf("insert initial version: %w", err)
	}

	if err := insertNotificationsTx(ctx, tx, notifs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create case: %w", err)
	}
	return nil
}

// CaseUpdate carries the field changes applied by a new formal version.
// Nil pointers leave the field untouched.
type CaseUpdate struct {
	Title         *string
	Description   *string
	Status        *string
	ClientName    *string
	ClientTaxID   *string
	AssignedTo    *string
	ClearAssignee bool
	Changes       string
	Comment       *string
}

// AddVersion applies the update under a row lock, bumps version_actual,
// appends the VERSION ledger entry with a snapshot of the resulting state
// and writes the notification rows, all in one transaction.
func (s *PostgresStore) AddVersion(ctx context.Context, caseID, updatedBy string, upd CaseUpdate, notifs []Notification) (Case, VersionEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Case{}, VersionEntry{}, fmt.Errorf("begin add version: %w", err)
	}
	defer tx.Rollback()

	var current Case
	err = tx.QueryRowContext(ctx, `
		SELECT id, numero_caso, tipo_caso, titulo, descripcion, estado, cliente_nombre, cliente_rfc, creado_por, supervisor_id, asignado_a, version_actual, activo
		FROM casos
		WHERE id=$1
		FOR UPDATE
	`, caseID).Scan(
		&current.ID, &current.CaseNumber, &current.Category, &current.Title, &current.Description,
		&current.Status, &current.ClientName, &current.ClientTaxID, &current.CreatedBy,
		&current.SupervisorID, &current.AssignedTo, &current.CurrentVersion, &current.Active,
	)
	if err != nil {
		return Case{}, VersionEntry{}, err
	}
	if !current.Active {
		return Case{}, VersionEntry{}, ErrCaseInactive
	}

	prevStatus := current.Status
	if upd.Title != nil {
		current.Title = *upd.Title
	}
	if upd.Description != nil {
		current.Description = *upd.Description
	}
	if upd.ClientName != nil {
		current.ClientName = *upd.ClientName
	}
	if upd.ClientTaxID != nil {
		current.ClientTaxID = *upd.ClientTaxID
	}
	if upd.ClearAssignee {
		current.AssignedTo = nil
	} else if upd.AssignedTo != nil {
		current.AssignedTo = upd.AssignedTo
	}
	if upd.Status != nil && *upd.Status != prevStatus {
		if !rbac.CanTransition(rbac.Status(prevStatus), rbac.Status(*upd.Status)) {
			return Case{}, VersionEntry{}, ErrInvalidTransition
		}
		current.Status = *upd.Status
	}
	current.CurrentVersion++

	_, err = tx.ExecContext(ctx, `
		UPDATE casos
		SET titulo=$2, descripcion=$3, estado=$4, cliente_nombre=$5, cliente_rfc=$6, asignado_a=$7, version_actual=$8, fecha_actualizacion=NOW()
		WHERE id=$1
	`, caseID, current.Title, current.Description, current.Status, current.ClientName,
		current.ClientTaxID, current.AssignedTo, current.CurrentVersion)
	if err != nil {
		return Case{}, VersionEntry{}, fmt.Errorf("update case: %w", err)
	}

	snapshot, err := snapshotOf(current)
	if err != nil {
		return Case{}, VersionEntry{}, err
	}

	entry := VersionEntry{
		CaseID:        caseID,
		VersionNumber: current.CurrentVersion,
		Kind:          EntryVersion,
		PrevStatus:    &prevStatus,
		NewStatus:     current.Status,
		Changes:       upd.Changes,
		Comment:       upd.Comment,
		UpdatedBy:     updatedBy,
		Snapshot:      snapshot,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO versiones_caso (caso_id, version_numero, tipo_actualizacion, estado_anterior, estado_nuevo, cambios, comentario, actualizado_por, datos_snapshot)
		VALUES ($1, $2, 'VERSION', $3, $4, $5, $6, $7, $8)
		RETURNING id, fecha_actualizacion
	`, caseID, entry.VersionNumber, prevStatus, entry.NewStatus, entry.Changes, entry.Comment, updatedBy, snapshot).
		Scan(&entry.ID, &entry.UpdatedAt)
	if err != nil {
		return Case{}, VersionEntry{}, fmt.Errorf("insert version: %w", err)
	}

	if err := insertNotificationsTx(ctx, tx, notifs); err != nil {
		return Case{}, VersionEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Case{}, VersionEntry{}, fmt.Errorf("commit add version: %w", err)
	}
	return current, entry, nil
}

// AddComment appends a COMENTARIO ledger entry at the case's current
// version without bumping it.
func (s *PostgresStore) AddComment(ctx context.Context, caseID, updatedBy, comment string, notifs []Notification) (VersionEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return VersionEntry{}, fmt.Errorf("begin add comment: %w", err)
	}
	defer tx.Rollback()

	var version int
	var status string
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT version_actual, estado, activo FROM casos WHERE id=$1 FOR UPDATE
	`, caseID).Scan(&version, &status, &active)
	if err != nil {
		return VersionEntry{}, err
	}
	if !active {
		return VersionEntry{}, ErrCaseInactive
	}

	entry := VersionEntry{
		CaseID:        caseID,
		VersionNumber: version,
		Kind:          EntryComment,
		NewStatus:     status,
		Comment:       &comment,
		UpdatedBy:     updatedBy,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO versiones_caso (caso_id, version_numero, tipo_actualizacion, estado_anterior, estado_nuevo, comentario, actualizado_por)
		VALUES ($1, $2, 'COMENTARIO', NULL, $3, $4, $5)
		RETURNING id, fecha_actualizacion
	`, caseID, version, status, comment, updatedBy).Scan(&entry.ID, &entry.UpdatedAt)
	if err != nil {
		return VersionEntry{}, fmt.Errorf("insert comment entry: %w", err)
	}

	if err := insertNotificationsTx(ctx, tx, notifs); err != nil {
		return VersionEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return VersionEntry{}, fmt.Errorf("commit add comment: %w", err)
	}
	return entry, nil
}

const entryColumns = `
	v.id, v.caso_id, v.version_numero, v.tipo_actualizacion, v.estado_anterior, v.estado_nuevo,
	v.cambios, v.comentario, v.actualizado_por, v.fecha_actualizacion, v.datos_snapshot,
	u.nombre_completo`

func scanEntry(row interface{ Scan(...any) error }) (VersionEntry, error) {
	var entry VersionEntry
	err := row.Scan(
		&entry.ID,
		&entry.CaseID,
		&entry.VersionNumber,
		&entry.Kind,
		&entry.PrevStatus,
		&entry.NewStatus,
		&entry.Changes,
		&entry.Comment,
		&entry.UpdatedBy,
		&entry.UpdatedAt,
		&entry.Snapshot,
		&entry.UpdatedByName,
	)
	return entry, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, caseID string) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM versiones_caso v
		JOIN usuarios u ON u.id = v.actualizado_por
		WHERE v.caso_id=$1 AND v.tipo_actualizacion='VERSION'
		ORDER BY v.version_numero DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersionByNumber(ctx context.Context, caseID string, number int) (VersionEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM versiones_caso v
		JOIN usuarios u ON u.id = v.actualizado_por
		WHERE v.caso_id=$1 AND v.version_numero=$2 AND v.tipo_actualizacion='VERSION'
	`, caseID, number)
	return scanEntry(row)
}

// Timeline returns every ledger entry, formal versions and comments
// interleaved, newest first.
func (s *PostgresStore) Timeline(ctx context.Context, caseID string) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM versiones_caso v
		JOIN usuarios u ON u.id = v.actualizado_por
		WHERE v.caso_id=$1
		ORDER BY v.fecha_actualizacion DESC, v.id DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("case timeline: %w", err)
	}
	defer rows.Close()

	items := make([]VersionEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

// DeactivateCase soft-deletes; the ledger and documents stay in place.
func (s *PostgresStore) DeactivateCase(ctx context.Context, caseID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE casos SET activo=FALSE, fecha_actualizacion=NOW() WHERE id=$1 AND activo
	`, caseID)
	if err != nil {
		return false, fmt.Errorf("deactivate case: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate case rows: %w", err)
	}
	return affected > 0, nil
}

// ---- notes ----

func (s *PostgresStore) InsertNote(ctx context.Context, note CaseNote, notifs []Notification) (CaseNote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CaseNote{}, fmt.Errorf("begin insert note: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO caso_comentarios (caso_id, usuario_id, comentario)
		VALUES ($1, $2, $3)
		RETURNING id, fecha_creacion
	`, note.CaseID, note.UserID, note.Text).Scan(&note.ID, &note.CreatedAt)
	if err != nil {
		return CaseNote{}, fmt.Errorf("insert note: %w", err)
	}

	if err := insertNotificationsTx(ctx, tx, notifs); err != nil {
		return CaseNote{}, err
	}
	if err := tx.Commit(); err != nil {
		return CaseNote{}, fmt.Errorf("commit insert note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, caseID string) ([]CaseNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.caso_id, n.usuario_id, n.comentario, n.fecha_creacion, u.nombre_completo
		FROM caso_comentarios n
		JOIN usuarios u ON u.id = n.usuario_id
		WHERE n.caso_id=$1
		ORDER BY n.fecha_creacion ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]CaseNote, 0)
	for rows.Next() {
		var note CaseNote
		if err := rows.Scan(&note.ID, &note.CaseID, &note.UserID, &note.Text, &note.CreatedAt, &note.AuthorName); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

// ---- notifications ----

// insertNotificationsTx fills each element's ID so callers can hand the
// rows to the email dispatcher after commit.
func insertNotificationsTx(ctx context.Context, tx *sql.Tx, notifs []Notification) error {
	for i, n := range notifs {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO notificaciones (usuario_id, caso_id, tipo, mensaje)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, n.UserID, n.CaseID, n.Type, n.Message).Scan(&notifs[i].ID)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, notifs []Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert notifications: %w", err)
	}
	defer tx.Rollback()
	if err := insertNotificationsTx(ctx, tx, notifs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, usuario_id, caso_id, tipo, mensaje, leida, email_enviado, fecha_creacion
		FROM notificaciones
		WHERE usuario_id=$1 AND (NOT $2::boolean OR NOT leida)
		ORDER BY fecha_creacion DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.CaseID, &n.Type, &n.Message, &n.Read, &n.EmailSent, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notificaciones WHERE usuario_id=$1 AND NOT leida
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID string, notificationID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notificaciones SET leida=TRUE WHERE id=$1 AND usuario_id=$2
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notificaciones SET leida=TRUE WHERE usuario_id=$1 AND NOT leida
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) MarkNotificationEmailSent(ctx context.Context, notificationID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notificaciones SET email_enviado=TRUE WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification email sent: %w", err)
	}
	return nil
}

// ---- documents ----

func (s *PostgresStore) InsertCaseDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documentos (id, caso_id, nombre_archivo, tipo_contenido, tamano, clave_objeto, subido_por)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, doc.ID, doc.CaseID, doc.FileName, doc.ContentType, doc.Size, doc.ObjectKey, doc.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCaseDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.caso_id, d.nombre_archivo, d.tipo_contenido, d.tamano, d.clave_objeto, d.subido_por, d.fecha_subida, u.nombre_completo
		FROM documentos d
		JOIN usuarios u ON u.id = d.subido_por
		WHERE d.id=$1
	`, documentID).Scan(&doc.ID, &doc.CaseID, &doc.FileName, &doc.ContentType, &doc.Size, &doc.ObjectKey, &doc.UploadedBy, &doc.UploadedAt, &doc.UploaderName)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListCaseDocuments(ctx context.Context, caseID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.caso_id, d.nombre_archivo, d.tipo_contenido, d.tamano, d.clave_objeto, d.subido_por, d.fecha_subida, u.nombre_completo
		FROM documentos d
		JOIN usuarios u ON u.id = d.subido_por
		WHERE d.caso_id=$1
		ORDER BY d.fecha_subida DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.CaseID, &doc.FileName, &doc.ContentType, &doc.Size, &doc.ObjectKey, &doc.UploadedBy, &doc.UploadedAt, &doc.UploaderName); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteCaseDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documentos WHERE id=$1`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

// ---- stats ----

// CaseStats aggregates the dashboard counters. The category narrows every
// counter, including the per-category ones, except MisCasos which is
// always scoped to the caller.
func (s *PostgresStore) CaseStats(ctx context.Context, category, userID string) (CaseStats, error) {
	var stats CaseStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE $1='' OR tipo_caso=$1),
			COUNT(*) FILTER (WHERE estado='ABIERTO' AND ($1='' OR tipo_caso=$1)),
			COUNT(*) FILTER (WHERE estado='EN_PROCESO' AND ($1='' OR tipo_caso=$1)),
			COUNT(*) FILTER (WHERE estado='CERRADO' AND ($1='' OR tipo_caso=$1)),
			COUNT(*) FILTER (WHERE tipo_caso='CONTABLE' AND ($1='' OR tipo_caso=$1)),
			COUNT(*) FILTER (WHERE tipo_caso='JURIDICO' AND ($1='' OR tipo_caso=$1)),
			COUNT(*) FILTER (WHERE supervisor_id=$2 OR creado_por=$2 OR asignado_a=$2)
		FROM casos
		WHERE activo
	`, category, userID).Scan(
		&stats.Total,
		&stats.Abiertos,
		&stats.EnProceso,
		&stats.Cerrados,
		&stats.Contables,
		&stats.Juridicos,
		&stats.MisCasos,
	)
	if err != nil {
		return CaseStats{}, fmt.Errorf("case stats: %w", err)
	}
	return stats, nil
}
