package store

import (
	"encoding/json"
	"fmt"
)

// DiffSnapshots compares two version snapshots field by field and returns
// the fields that changed between them. Comparing a snapshot with itself
// yields an empty list.
func DiffSnapshots(older, newer json.RawMessage) ([]FieldDiff, error) {
	var a, b Snapshot
	if err := json.Unmarshal(older, &a); err != nil {
		return nil, fmt.Errorf("decode older snapshot: %w", err)
	}
	if err := json.Unmarshal(newer, &b); err != nil {
		return nil, fmt.Errorf("decode newer snapshot: %w", err)
	}

	diffs := make([]FieldDiff, 0)
	add := func(field string, oldValue, newValue any) {
		diffs = append(diffs, FieldDiff{Field: field, OldValue: oldValue, NewValue: newValue})
	}

	if a.Title != b.Title {
		add("titulo", a.Title, b.Title)
	}
	if a.Description != b.Description {
		add("descripcion", a.Description, b.Description)
	}
	if a.Status != b.Status {
		add("estado", a.Status, b.Status)
	}
	if a.ClientName != b.ClientName {
		add("cliente_nombre", a.ClientName, b.ClientName)
	}
	if a.ClientTaxID != b.ClientTaxID {
		add("cliente_rfc", a.ClientTaxID, b.ClientTaxID)
	}
	if !equalOptional(a.AssignedTo, b.AssignedTo) {
		add("asignado_a", optionalValue(a.AssignedTo), optionalValue(b.AssignedTo))
	}
	return diffs, nil
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func optionalValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
