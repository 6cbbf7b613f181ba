// Package rbac contains the pure authorization rules for cases: which
// capabilities a user holds on a given case, and which case status
// transitions are legal. Nothing here touches storage.
package rbac

type Role string
type Category string
type Status string

const (
	RoleAdmin    Role = "ADMIN"
	RoleContable Role = "CONTABLE"
	RoleJuridico Role = "JURIDICO"
)

const (
	CategoryContable Category = "CONTABLE"
	CategoryJuridico Category = "JURIDICO"
)

const (
	StatusAbierto   Status = "ABIERTO"
	StatusEnProceso Status = "EN_PROCESO"
	StatusCerrado   Status = "CERRADO"
)

// Capabilities is the set of operations a user may perform on one case.
type Capabilities struct {
	CanView            bool `json:"canView"`
	CanEdit            bool `json:"canEdit"`
	CanDelete          bool `json:"canDelete"`
	CanAddVersion      bool `json:"canAddVersion"`
	CanAddComment      bool `json:"canAddComment"`
	CanUploadDocuments bool `json:"canUploadDocuments"`
	CanDeleteDocuments bool `json:"canDeleteDocuments"`
	IsSupervisor       bool `json:"isSupervisor"`
	IsAdmin            bool `json:"isAdmin"`
}

// Subject is the slice of a user the evaluator needs.
type Subject struct {
	ID   string
	Role Role
}

// CaseRef is the slice of a case the evaluator needs.
type CaseRef struct {
	SupervisorID string
	Category     Category
}

// Evaluate computes the capability set for a (user, case) pair. It is
// deterministic and side-effect free; callers must have resolved both
// the user and the case before calling.
func Evaluate(subject Subject, caseRef CaseRef) Capabilities {
	isAdmin := subject.Role == RoleAdmin
	isSupervisor := caseRef.SupervisorID != "" && caseRef.SupervisorID == subject.ID
	sameCategory := isAdmin || RoleMatchesCategory(subject.Role, caseRef.Category)

	return Capabilities{
		CanView:            isAdmin || isSupervisor || sameCategory,
		CanEdit:            isAdmin || isSupervisor,
		CanDelete:          isAdmin,
		CanAddVersion:      isAdmin || isSupervisor,
		CanAddComment:      sameCategory,
		CanUploadDocuments: isAdmin || isSupervisor || sameCategory,
		CanDeleteDocuments: isAdmin || isSupervisor,
		IsSupervisor:       isSupervisor,
		IsAdmin:            isAdmin,
	}
}

// RoleMatchesCategory reports whether a role grants category access.
// ADMIN matches every category.
func RoleMatchesCategory(role Role, category Category) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleContable:
		return category == CategoryContable
	case RoleJuridico:
		return category == CategoryJuridico
	default:
		return false
	}
}

// ValidRole reports whether the string names an assignable role.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleContable, RoleJuridico:
		return true
	default:
		return false
	}
}

// ValidCategory reports whether the string names a case category.
func ValidCategory(category string) bool {
	switch Category(category) {
	case CategoryContable, CategoryJuridico:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether the string names a case status.
func ValidStatus(status string) bool {
	switch Status(status) {
	case StatusAbierto, StatusEnProceso, StatusCerrado:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a case may move between two statuses.
// Any move between distinct valid statuses is legal, including reopening
// a closed case; the capability check on the actor is the real gate.
func CanTransition(from, to Status) bool {
	if !ValidStatus(string(from)) || !ValidStatus(string(to)) {
		return false
	}
	return from != to
}

// CategoryPrefix returns the case-number prefix for a category.
func CategoryPrefix(category Category) string {
	if category == CategoryContable {
		return "CON"
	}
	return "JUR"
}
