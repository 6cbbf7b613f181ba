package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"despacho/api/internal/docstore"
	"despacho/api/internal/notify"
	"despacho/api/internal/rbac"
	"despacho/api/internal/search"
	"despacho/api/internal/store"
	"despacho/api/internal/util"
)

// CreateCaseInput carries the sign-off fields for a new case.
type CreateCaseInput struct {
	Category    string
	Title       string
	Description string
	ClientName  string
	ClientTaxID string
	AssignedTo  string
}

// CreateCase opens a case with the caller as supervisor, writes the
// initial ledger entry and notifies the other administrators.
func (s *Service) CreateCase(ctx context.Context, session Session, input CreateCaseInput) (map[string]any, error) {
	category := strings.ToUpper(strings.TrimSpace(input.Category))
	if !rbac.ValidCategory(category) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Category must be CONTABLE or JURIDICO", nil)
	}
	if !rbac.RoleMatchesCategory(rbac.Role(session.Role), rbac.Category(category)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Role does not allow creating cases in this category", nil)
	}
	title := strings.TrimSpace(input.Title)
	clientName := strings.TrimSpace(input.ClientName)
	if title == "" || clientName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Title and client name are required", nil)
	}

	item := store.Case{
		ID:           util.NewID("cas"),
		CaseNumber:   newCaseNumber(rbac.Category(category)),
		Category:     category,
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		Status:       string(rbac.StatusAbierto),
		ClientName:   clientName,
		ClientTaxID:  strings.TrimSpace(input.ClientTaxID),
		CreatedBy:    session.UserID,
		SupervisorID: session.UserID,
	}
	if assignee := strings.TrimSpace(input.AssignedTo); assignee != "" {
		if _, err := s.store.GetUserByID(ctx, assignee); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Assigned user does not exist", nil)
		}
		item.AssignedTo = &assignee
	}

	recipients, err := s.adminRecipients(ctx, session.UserID)
	if err != nil {
		s.logger.Warn("resolve case recipients", zap.Error(err))
		recipients = nil
	}
	notifs := make([]store.Notification, 0, len(recipients))
	for _, user := range recipients {
		notifs = append(notifs, store.Notification{
			UserID:  user.ID,
			CaseID:  &item.ID,
			Type:    store.NotifyCaseCreated,
			Message: fmt.Sprintf("Nuevo caso %s: %s", item.CaseNumber, item.Title),
		})
	}

	if err := s.store.CreateCase(ctx, item, "Creación del caso", notifs); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	s.indexCase(item)
	s.enqueueCaseJobs(recipients, notifs, item, "Se abrió un nuevo caso.")

	created, err := s.store.GetCase(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"case": casePayload(created)}, nil
}

func (s *Service) GetCase(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	item, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	docs, err := s.store.ListCaseDocuments(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case documents: %w", err)
	}
	docPayloads := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		docPayloads = append(docPayloads, documentPayload(doc))
	}
	return map[string]any{
		"case":         casePayload(item),
		"capabilities": caps,
		"documents":    docPayloads,
	}, nil
}

// ListCases pages through cases. Non-admins only ever see their own
// category regardless of the requested filter.
func (s *Service) ListCases(ctx context.Context, session Session, filter store.CaseFilter) (map[string]any, error) {
	if session.Role != string(rbac.RoleAdmin) {
		filter.Category = session.Role
	}
	if filter.Category != "" && !rbac.ValidCategory(filter.Category) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown category filter", nil)
	}
	if filter.Status != "" && !rbac.ValidStatus(filter.Status) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown status filter", nil)
	}

	items, total, err := s.store.ListCases(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, casePayload(item))
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	return map[string]any{
		"cases": payload,
		"total": total,
		"page":  page,
	}, nil
}

// UpdateCaseInput is one formal version request. Nil pointers leave the
// field untouched; ClearAssignee removes the assignment.
type UpdateCaseInput struct {
	Title         *string
	Description   *string
	Status        *string
	ClientName    *string
	ClientTaxID   *string
	AssignedTo    *string
	ClearAssignee bool
	Comment       *string
}

// UpdateCase records a formal version: it bumps the case version and
// appends an immutable ledger entry describing the change.
func (s *Service) UpdateCase(ctx context.Context, session Session, caseID string, input UpdateCaseInput) (map[string]any, error) {
	current, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanAddVersion {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the supervisor or an administrator can add versions", nil)
	}

	changed := describeChanges(input)
	if len(changed) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_OP_UPDATE", "Nothing to update", nil)
	}
	if input.Status != nil {
		status := strings.ToUpper(strings.TrimSpace(*input.Status))
		if !rbac.ValidStatus(status) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Status must be ABIERTO, EN_PROCESO or CERRADO", nil)
		}
		input.Status = &status
		if len(changed) == 1 && status == current.Status {
			return nil, domainError(http.StatusUnprocessableEntity, "NO_OP_UPDATE", "Case is already in that status", nil)
		}
	}

	var newAssignee *store.User
	if input.AssignedTo != nil && !input.ClearAssignee {
		assignee := strings.TrimSpace(*input.AssignedTo)
		if assignee == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Assigned user is required", nil)
		}
		user, err := s.store.GetUserByID(ctx, assignee)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Assigned user does not exist", nil)
		}
		input.AssignedTo = &assignee
		alreadyAssigned := current.AssignedTo != nil && *current.AssignedTo == assignee
		if !alreadyAssigned && assignee != session.UserID {
			newAssignee = &user
		}
	}

	recipients, err := s.caseRecipients(ctx, session, current)
	if err != nil {
		s.logger.Warn("resolve case recipients", zap.Error(err))
		recipients = nil
	}
	notifs := make([]store.Notification, 0, len(recipients)+1)
	for _, user := range recipients {
		notifs = append(notifs, store.Notification{
			UserID:  user.ID,
			CaseID:  &current.ID,
			Type:    store.NotifyNewVersion,
			Message: fmt.Sprintf("Nueva versión del caso %s: %s", current.CaseNumber, strings.Join(changed, ", ")),
		})
	}
	if newAssignee != nil {
		recipients = append(recipients, *newAssignee)
		notifs = append(notifs, store.Notification{
			UserID:  newAssignee.ID,
			CaseID:  &current.ID,
			Type:    store.NotifyCaseAssigned,
			Message: fmt.Sprintf("Se te asignó el caso %s", current.CaseNumber),
		})
	}

	upd := store.CaseUpdate{
		Title:         input.Title,
		Description:   input.Description,
		Status:        input.Status,
		ClientName:    input.ClientName,
		ClientTaxID:   input.ClientTaxID,
		AssignedTo:    input.AssignedTo,
		ClearAssignee: input.ClearAssignee,
		Changes:       "Campos actualizados: " + strings.Join(changed, ", "),
		Comment:       input.Comment,
	}
	updated, entry, err := s.store.AddVersion(ctx, caseID, session.UserID, upd, notifs)
	if err != nil {
		return nil, mapCaseWriteError(err)
	}

	s.indexCase(updated)
	s.enqueueCaseJobs(recipients, notifs, updated, fmt.Sprintf("Versión %d registrada.", entry.VersionNumber))

	return map[string]any{
		"case":    casePayload(updated),
		"version": entryPayload(entry),
	}, nil
}

// AddComment appends a COMENTARIO ledger entry at the current version.
func (s *Service) AddComment(ctx context.Context, session Session, caseID, comment string) (map[string]any, error) {
	current, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanAddComment {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment is required", nil)
	}

	recipients, err := s.caseRecipients(ctx, session, current)
	if err != nil {
		s.logger.Warn("resolve case recipients", zap.Error(err))
		recipients = nil
	}
	notifs := make([]store.Notification, 0, len(recipients))
	for _, user := range recipients {
		notifs = append(notifs, store.Notification{
			UserID:  user.ID,
			CaseID:  &current.ID,
			Type:    store.NotifyNewComment,
			Message: fmt.Sprintf("Nuevo comentario en el caso %s", current.CaseNumber),
		})
	}

	entry, err := s.store.AddComment(ctx, caseID, session.UserID, comment, notifs)
	if err != nil {
		return nil, mapCaseWriteError(err)
	}
	s.enqueueCaseJobs(recipients, notifs, current, "Se agregó un comentario al expediente.")

	return map[string]any{"entry": entryPayload(entry)}, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	item, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	entries, err := s.store.ListVersions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload(entry))
	}
	return map[string]any{
		"caso_id":        caseID,
		"version_actual": item.CurrentVersion,
		"versions":       payload,
	}, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, caseID string, number int) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	entry, err := s.store.GetVersionByNumber(ctx, caseID, number)
	if err != nil {
		return nil, err
	}
	payload := entryPayload(entry)
	payload["datos_snapshot"] = entry.Snapshot
	return payload, nil
}

// Compare diffs the snapshots of two formal versions. Comparing a
// version against itself yields an empty diff.
func (s *Service) Compare(ctx context.Context, session Session, caseID string, from, to int) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if from < 1 || to < 1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Version numbers start at 1", nil)
	}

	payload := map[string]any{
		"caso_id": caseID,
		"v1":      from,
		"v2":      to,
	}
	if from == to {
		payload["diffs"] = []store.FieldDiff{}
		return payload, nil
	}

	lower, higher := from, to
	if lower > higher {
		lower, higher = higher, lower
	}
	older, err := s.store.GetVersionByNumber(ctx, caseID, lower)
	if err != nil {
		return nil, err
	}
	newer, err := s.store.GetVersionByNumber(ctx, caseID, higher)
	if err != nil {
		return nil, err
	}
	diffs, err := store.DiffSnapshots(older.Snapshot, newer.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("diff versions: %w", err)
	}
	payload["diffs"] = diffs
	return payload, nil
}

// Timeline returns every ledger entry, formal versions and comments
// interleaved, newest first.
func (s *Service) Timeline(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	entries, err := s.store.Timeline(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload(entry))
	}
	return map[string]any{"caso_id": caseID, "timeline": payload}, nil
}

// ListComments returns only the comment entries of the ledger, newest
// first.
func (s *Service) ListComments(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	entries, err := s.store.Timeline(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind != store.EntryComment {
			continue
		}
		payload = append(payload, entryPayload(entry))
	}
	return map[string]any{"caso_id": caseID, "comments": payload}, nil
}

// DeleteCase soft-deletes: the case drops out of listings but its
// ledger stays intact.
func (s *Service) DeleteCase(ctx context.Context, session Session, caseID string) error {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return err
	}
	if !caps.CanDelete {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only administrators can delete cases", nil)
	}
	deleted, err := s.store.DeactivateCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("deactivate case: %w", err)
	}
	if !deleted {
		return domainError(http.StatusConflict, "ALREADY_DELETED", "Case is already inactive", nil)
	}
	if s.index != nil {
		s.index.DeleteCase(caseID)
	}
	return nil
}

// Permissions exposes the capability set the caller holds on a case.
func (s *Service) Permissions(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"caso_id": caseID, "capabilities": caps}, nil
}

// ---- notes ----

func (s *Service) AddNote(ctx context.Context, session Session, caseID, text string) (map[string]any, error) {
	current, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanAddComment {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Note text is required", nil)
	}

	var notifs []store.Notification
	var recipients []store.User
	if current.SupervisorID != session.UserID {
		supervisor, err := s.store.GetUserByID(ctx, current.SupervisorID)
		if err := notFoundAsNil(err); err != nil {
			return nil, fmt.Errorf("lookup supervisor: %w", err)
		}
		if supervisor.ID != "" {
			recipients = []store.User{supervisor}
			notifs = []store.Notification{{
				UserID:  supervisor.ID,
				CaseID:  &current.ID,
				Type:    store.NotifyNewComment,
				Message: fmt.Sprintf("Nueva nota en el caso %s", current.CaseNumber),
			}}
		}
	}

	note, err := s.store.InsertNote(ctx, store.CaseNote{
		CaseID: caseID,
		UserID: session.UserID,
		Text:   text,
	}, notifs)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	note.AuthorName = session.UserName
	s.enqueueCaseJobs(recipients, notifs, current, "Se agregó una nota al caso.")

	return map[string]any{"note": notePayload(note)}, nil
}

func (s *Service) ListNotes(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	notes, err := s.store.ListNotes(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	payload := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		payload = append(payload, notePayload(note))
	}
	return map[string]any{"notes": payload}, nil
}

// ---- documents ----

func (s *Service) UploadDocument(ctx context.Context, session Session, caseID, fileName, contentType string, size int64, reader io.Reader) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanUploadDocuments {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.docs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "DOCS_UNAVAILABLE", "Document storage is not available", nil)
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "File name is required", nil)
	}

	key := docstore.ObjectKey(caseID, fileName)
	if err := s.docs.Put(ctx, key, reader, size, contentType); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	doc := store.Document{
		ID:          util.NewID("doc"),
		CaseID:      caseID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		ObjectKey:   key,
		UploadedBy:  session.UserID,
	}
	if err := s.store.InsertCaseDocument(ctx, doc); err != nil {
		if rerr := s.docs.Remove(ctx, key); rerr != nil {
			s.logger.Warn("remove orphaned object", zap.String("key", key), zap.Error(rerr))
		}
		return nil, fmt.Errorf("insert document: %w", err)
	}
	doc.UploaderName = session.UserName
	return map[string]any{"document": documentPayload(doc)}, nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	docs, err := s.store.ListCaseDocuments(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, documentPayload(doc))
	}
	return map[string]any{"documents": payload}, nil
}

// DocumentURL returns a short-lived download link.
func (s *Service) DocumentURL(ctx context.Context, session Session, caseID, documentID string) (map[string]any, error) {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.docs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "DOCS_UNAVAILABLE", "Document storage is not available", nil)
	}
	doc, err := s.store.GetCaseDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.CaseID != caseID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	link, err := s.docs.PresignedGet(ctx, doc.ObjectKey, doc.FileName)
	if err != nil {
		return nil, fmt.Errorf("presign document: %w", err)
	}
	return map[string]any{"url": link, "nombre_archivo": doc.FileName}, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, caseID, documentID string) error {
	_, caps, err := s.loadCase(ctx, session, caseID)
	if err != nil {
		return err
	}
	if !caps.CanDeleteDocuments {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	doc, err := s.store.GetCaseDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.CaseID != caseID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	deleted, err := s.store.DeleteCaseDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if s.docs != nil {
		if err := s.docs.Remove(ctx, doc.ObjectKey); err != nil {
			s.logger.Warn("remove object", zap.String("key", doc.ObjectKey), zap.Error(err))
		}
	}
	return nil
}

// ---- notifications ----

func (s *Service) Notifications(ctx context.Context, session Session, unreadOnly bool, limit int) (map[string]any, error) {
	items, err := s.store.ListNotifications(ctx, session.UserID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := s.store.UnreadNotificationCount(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, notificationPayload(item))
	}
	return map[string]any{"notifications": payload, "unread": unread}, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, session Session) (map[string]any, error) {
	unread, err := s.store.UnreadNotificationCount(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	return map[string]any{"unread": unread}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID int64) error {
	marked, err := s.store.MarkNotificationRead(ctx, session.UserID, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !marked {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (map[string]any, error) {
	count, err := s.store.MarkAllNotificationsRead(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	return map[string]any{"marked": count}, nil
}

// ---- stats and search ----

func (s *Service) Stats(ctx context.Context, session Session) (map[string]any, error) {
	category := ""
	if session.Role != string(rbac.RoleAdmin) {
		category = session.Role
	}
	stats, err := s.store.CaseStats(ctx, category, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return map[string]any{"stats": stats}, nil
}

// SearchCases runs a full-text search scoped to the caller's category.
func (s *Service) SearchCases(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if s.index == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not available", nil)
	}
	if session.Role != string(rbac.RoleAdmin) {
		q.FilterCategory = session.Role
	}
	if q.FilterStatus != "" && !rbac.ValidStatus(q.FilterStatus) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown status filter", nil)
	}
	return s.index.Search(q), nil
}

// ---- shared helpers ----

func (s *Service) loadCase(ctx context.Context, session Session, caseID string) (store.Case, rbac.Capabilities, error) {
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return store.Case{}, rbac.Capabilities{}, err
	}
	caps := rbac.Evaluate(session.subject(), rbac.CaseRef{
		SupervisorID: item.SupervisorID,
		Category:     rbac.Category(item.Category),
	})
	return item, caps, nil
}

// adminRecipients lists active administrators, excluding the actor.
func (s *Service) adminRecipients(ctx context.Context, actorID string) ([]store.User, error) {
	admins, err := s.store.ListActiveAdmins(ctx)
	if err != nil {
		return nil, err
	}
	recipients := make([]store.User, 0, len(admins))
	for _, admin := range admins {
		if admin.ID == actorID {
			continue
		}
		recipients = append(recipients, admin)
	}
	return recipients, nil
}

// caseRecipients lists who gets told about case activity: the admin
// pool when the actor is not an admin, plus the supervisor when the
// actor is not the supervisor.
func (s *Service) caseRecipients(ctx context.Context, session Session, item store.Case) ([]store.User, error) {
	recipients := make([]store.User, 0, 4)
	if session.Role != string(rbac.RoleAdmin) {
		admins, err := s.adminRecipients(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, admins...)
	}
	if item.SupervisorID != session.UserID {
		seen := false
		for _, user := range recipients {
			if user.ID == item.SupervisorID {
				seen = true
				break
			}
		}
		if !seen {
			supervisor, err := s.store.GetUserByID(ctx, item.SupervisorID)
			if err := notFoundAsNil(err); err != nil {
				return nil, err
			}
			if supervisor.ID != "" && supervisor.Active {
				recipients = append(recipients, supervisor)
			}
		}
	}
	return recipients, nil
}

// enqueueCaseJobs hands notification emails to the dispatcher. The
// recipients and notifs slices are index-aligned.
func (s *Service) enqueueCaseJobs(recipients []store.User, notifs []store.Notification, item store.Case, detail string) {
	if s.queue == nil {
		return
	}
	for i, user := range recipients {
		if i >= len(notifs) {
			break
		}
		s.queue.Enqueue(notify.Job{
			NotificationID: notifs[i].ID,
			Type:           notifs[i].Type,
			To:             user.Email,
			ToName:         user.FullName,
			CaseNumber:     item.CaseNumber,
			CaseTitle:      item.Title,
			Detail:         detail,
		})
	}
}

func (s *Service) indexCase(item store.Case) {
	if s.index == nil {
		return
	}
	s.index.IndexCase(search.CaseRecord{
		ID:          item.ID,
		CaseNumber:  item.CaseNumber,
		Title:       item.Title,
		Description: item.Description,
		ClientName:  item.ClientName,
		Category:    item.Category,
		Status:      item.Status,
	})
}

func mapCaseWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		return domainError(http.StatusUnprocessableEntity, "INVALID_TRANSITION", "Status transition is not allowed", nil)
	case errors.Is(err, store.ErrCaseInactive):
		return domainError(http.StatusConflict, "CASE_INACTIVE", "Case has been deleted", nil)
	default:
		return err
	}
}

func describeChanges(input UpdateCaseInput) []string {
	changed := make([]string, 0, 6)
	if input.Title != nil {
		changed = append(changed, "titulo")
	}
	if input.Description != nil {
		changed = append(changed, "descripcion")
	}
	if input.Status != nil {
		changed = append(changed, "estado")
	}
	if input.ClientName != nil {
		changed = append(changed, "cliente_nombre")
	}
	if input.ClientTaxID != nil {
		changed = append(changed, "cliente_rfc")
	}
	if input.AssignedTo != nil || input.ClearAssignee {
		changed = append(changed, "asignado_a")
	}
	return changed
}

func casePayload(item store.Case) map[string]any {
	payload := map[string]any{
		"id":                  item.ID,
		"numero_caso":         item.CaseNumber,
		"tipo_caso":           item.Category,
		"titulo":              item.Title,
		"descripcion":         item.Description,
		"estado":              item.Status,
		"cliente_nombre":      item.ClientName,
		"cliente_rfc":         item.ClientTaxID,
		"creado_por":          item.CreatedBy,
		"creado_por_nombre":   item.CreatedByName,
		"supervisor_id":       item.SupervisorID,
		"supervisor_nombre":   item.SupervisorName,
		"version_actual":      item.CurrentVersion,
		"activo":              item.Active,
		"documentos":          item.DocumentCount,
		"fecha_creacion":      item.CreatedAt,
		"fecha_actualizacion": item.UpdatedAt,
	}
	if item.AssignedTo != nil {
		payload["asignado_a"] = *item.AssignedTo
	} else {
		payload["asignado_a"] = nil
	}
	return payload
}

func entryPayload(entry store.VersionEntry) map[string]any {
	payload := map[string]any{
		"id":                     entry.ID,
		"caso_id":                entry.CaseID,
		"version_numero":         entry.VersionNumber,
		"tipo_actualizacion":     entry.Kind,
		"estado_nuevo":           entry.NewStatus,
		"cambios":                entry.Changes,
		"actualizado_por":        entry.UpdatedBy,
		"actualizado_por_nombre": entry.UpdatedByName,
		"fecha":                  entry.UpdatedAt,
	}
	if entry.PrevStatus != nil {
		payload["estado_anterior"] = *entry.PrevStatus
	} else {
		payload["estado_anterior"] = nil
	}
	if entry.Comment != nil {
		payload["comentario"] = *entry.Comment
	} else {
		payload["comentario"] = nil
	}
	return payload
}

func notePayload(note store.CaseNote) map[string]any {
	return map[string]any{
		"id":           note.ID,
		"caso_id":      note.CaseID,
		"usuario_id":   note.UserID,
		"autor_nombre": note.AuthorName,
		"texto":        note.Text,
		"fecha":        note.CreatedAt,
	}
}

func notificationPayload(item store.Notification) map[string]any {
	payload := map[string]any{
		"id":            item.ID,
		"tipo":          item.Type,
		"mensaje":       item.Message,
		"leida":         item.Read,
		"email_enviado": item.EmailSent,
		"fecha":         item.CreatedAt,
	}
	if item.CaseID != nil {
		payload["caso_id"] = *item.CaseID
	} else {
		payload["caso_id"] = nil
	}
	return payload
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":                doc.ID,
		"caso_id":           doc.CaseID,
		"nombre_archivo":    doc.FileName,
		"content_type":      doc.ContentType,
		"tamano":            doc.Size,
		"subido_por":        doc.UploadedBy,
		"subido_por_nombre": doc.UploaderName,
		"fecha":             doc.UploadedAt,
	}
}
