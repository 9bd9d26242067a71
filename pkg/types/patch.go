package types

import (
	"encoding/json"
	"fmt"
)

// PatchType identifies the mutation a Patch describes.
type PatchType string

// Patch types.
const (
	PatchCreate PatchType = "CREATE"
	PatchUpdate PatchType = "UPDATE"
	PatchRemove PatchType = "REMOVE"
)

// UnmarshalJSON accepts the legacy CRATE token as PatchCreate.
func (t *PatchType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case string(PatchCreate), PatchTokenLegacy:
		*t = PatchCreate
	case string(PatchUpdate):
		*t = PatchUpdate
	case string(PatchRemove):
		*t = PatchRemove
	default:
		return fmt.Errorf("%w: %q", ErrPatchTokenUnknown, s)
	}
	return nil
}

// Patch describes one logical mutation of a record or of collection
// membership. CREATE and REMOVE carry wire snapshots of the whole record;
// UPDATE carries field-keyed values of the touched fields only.
//
// CREATE patches marshal with the token "CREATE". Decoding also accepts the
// legacy "CRATE"; EncodePatch with PatchTokenLegacy writes it.
type Patch struct {
	PatchType PatchType      `json:"patchType"`
	Model     RefToken       `json:"model"`
	OldValue  map[string]any `json:"oldValue,omitempty"`
	NewValue  map[string]any `json:"newValue,omitempty"`
}

// Inverse returns the patch undoing p.
func (p Patch) Inverse() Patch {
	inv := Patch{
		PatchType: p.PatchType,
		Model:     p.Model,
		OldValue:  p.NewValue,
		NewValue:  p.OldValue,
	}
	switch p.PatchType {
	case PatchCreate:
		inv.PatchType = PatchRemove
	case PatchRemove:
		inv.PatchType = PatchCreate
	}
	return inv
}

// EncodePatch marshals p, writing CREATE patches with the given token
// (PatchTokenStandard or PatchTokenLegacy).
func EncodePatch(p Patch, token string) ([]byte, error) {
	switch token {
	case "", PatchTokenStandard:
		return json.Marshal(p)
	case PatchTokenLegacy:
		if p.PatchType == PatchCreate {
			p.PatchType = PatchTokenLegacy
		}
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrPatchTokenUnknown, token)
	}
}

// PatchListener receives patches after the mutation completed.
type PatchListener func(Patch)
