package install

import "fmt"

// ContentMetaType classifies the meta blob that carries a title id, for
// deriving the base title id it describes.
type ContentMetaType int

// Content meta types recognized by the base-title-id derivation table.
const (
	MetaTypeApplication ContentMetaType = iota
	MetaTypePatch
	MetaTypeAddOnContent
	MetaTypeOther
)

// BaseTitleID derives the base application title id from a related title id
// and its content meta type. appID must be 16 hex digits; the
// result is always 16 hex digits, lowercase. This is a pure function of its
// two arguments.
func BaseTitleID(appID string, metaType ContentMetaType) (string, error) {
	if len(appID) != 16 {
		return "", fmt.Errorf("install: title id %q is not 16 hex digits", appID)
	}
	var v uint64
	if _, err := fmt.Sscanf(appID, "%016x", &v); err != nil {
		return "", fmt.Errorf("install: title id %q is not hex: %w", appID, err)
	}

	switch metaType {
	case MetaTypeApplication, MetaTypeOther:
		return fmt.Sprintf("%016x", v), nil
	case MetaTypePatch:
		return fmt.Sprintf("%013x000", v>>12), nil
	case MetaTypeAddOnContent:
		leading := v >> 12
		if leading == 0 {
			return "", fmt.Errorf("install: add-on content id %q underflows on decrement", appID)
		}
		return fmt.Sprintf("%013x000", leading-1), nil
	default:
		return fmt.Sprintf("%016x", v), nil
	}
}
