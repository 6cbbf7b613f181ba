package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID             string
	Email          string
	FullName       string
	PasswordHash   string
	Role           string // empty until an admin approves the account
	Active         bool
	RegState       string // PENDIENTE, ACTIVO, INACTIVO
	EmailVerified  bool
	CreatedAt      time.Time
	LastAccessAt   *time.Time
}

type Case struct {
	ID             string
	CaseNumber     string
	Category       string
	Title          string
	Description    string
	Status         string
	ClientName     string
	ClientTaxID    string
	CreatedBy      string
	SupervisorID   string
	AssignedTo     *string
	CurrentVersion int
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Joined fields for API responses
	CreatedByName  string
	SupervisorName string
	DocumentCount  int
}

// Ledger entry kinds. Formal VERSION entries bump the case version;
// COMENTARIO entries never do.
const (
	EntryVersion = "VERSION"
	EntryComment = "COMENTARIO"
)

// VersionEntry is one immutable row of a case's append-only history.
type VersionEntry struct {
	ID            int64
	CaseID        string
	VersionNumber int
	Kind          string // VERSION or COMENTARIO
	PrevStatus    *string
	NewStatus     string
	Changes       string
	Comment       *string
	UpdatedBy     string
	UpdatedAt     time.Time
	Snapshot      json.RawMessage
	// Joined field for API responses
	UpdatedByName string
}

// Snapshot is the fixed projection of case fields captured on every
// formal version, used later for diffing.
type Snapshot struct {
	CaseNumber  string  `json:"numero_caso"`
	Category    string  `json:"tipo_caso"`
	Title       string  `json:"titulo"`
	Description string  `json:"descripcion"`
	Status      string  `json:"estado"`
	ClientName  string  `json:"cliente_nombre"`
	ClientTaxID string  `json:"cliente_rfc"`
	AssignedTo  *string `json:"asignado_a"`
}

// CaseNote is the lightweight comment path kept outside the ledger.
type CaseNote struct {
	ID         int64
	CaseID     string
	UserID     string
	Text       string
	CreatedAt  time.Time
	AuthorName string
}

// Notification types.
const (
	NotifyCaseCreated     = "CASO_CREADO"
	NotifyNewVersion      = "NUEVA_VERSION"
	NotifyNewComment      = "NUEVO_COMENTARIO"
	NotifyCaseAssigned    = "CASO_ASIGNADO"
	NotifyNewRegistration = "NUEVO_REGISTRO"
	NotifyAccountApproved = "CUENTA_APROBADA"
)

type Notification struct {
	ID        int64
	UserID    string
	CaseID    *string
	Type      string
	Message   string
	Read      bool
	EmailSent bool
	CreatedAt time.Time
}

type Document struct {
	ID           string
	CaseID       string
	FileName     string
	ContentType  string
	Size         int64
	ObjectKey    string
	UploadedBy   string
	UploadedAt   time.Time
	UploaderName string
}

// FieldDiff is one differing field between two version snapshots.
type FieldDiff struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// CaseStats is the dashboard aggregate, scoped by the caller's category.
type CaseStats struct {
	Total     int `json:"total"`
	Abiertos  int `json:"abiertos"`
	EnProceso int `json:"en_proceso"`
	Cerrados  int `json:"cerrados"`
	Contables int `json:"contables"`
	Juridicos int `json:"juridicos"`
	MisCasos  int `json:"mis_casos"`
}

// CaseFilter narrows the case listing.
type CaseFilter struct {
	Category  string
	Status    string
	Client    string
	FromDate  *time.Time
	ToDate    *time.Time
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}
