package session

import "lidar-desktop/internal/lidar"

// EntityTypeParcel is the only entity type the controller handles.
// Selections of other types are treated as "nothing selected".
const EntityTypeParcel = "Parcel"

// EntityRef identifies the externally-owned selected entity. The
// identifier is opaque to the controller.
type EntityRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// IsZero reports whether the reference points at nothing
func (r EntityRef) IsZero() bool {
	return r.ID == ""
}

// Host is the capability object the controller receives instead of
// reading ambient viewer state. It abstracts whoever owns the current
// selection and the credentials (the embedded map viewer, in practice).
type Host interface {
	// CurrentEntity returns the selection at this moment, if any
	CurrentEntity() (EntityRef, bool)

	// RequestEntityChange asks the owner to select a different entity.
	// The change is not applied until OnEntityChanged fires.
	RequestEntityChange(ref EntityRef) error

	// Credentials returns the current auth token and tenant
	Credentials() lidar.Credentials

	// OnEntityChanged registers a callback invoked synchronously once
	// per logical selection change (a zero EntityRef means deselection).
	// The returned function unsubscribes.
	OnEntityChanged(callback func(EntityRef)) (unsubscribe func())
}
