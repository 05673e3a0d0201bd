package store

import "strings"

const (
	selectionPrefix = "selection_"
	pinPrefix       = "pin_"
)

// SelectionStore remembers the chosen member of each Selector group and the
// pinned member of each automatic group, per profile.
type SelectionStore struct {
	store *Store
}

// NewSelectionStore creates a selection store on top of s.
func NewSelectionStore(s *Store) *SelectionStore {
	return &SelectionStore{store: s}
}

func selectionKey(profileID, group string) string {
	return selectionPrefix + profileID + "_" + group
}

func pinKey(profileID, group string) string {
	return pinPrefix + profileID + "_" + group
}

// SetSelected records name as the selection of group.
func (s *SelectionStore) SetSelected(profileID, group, name string) error {
	return s.store.Set(selectionKey(profileID, group), name)
}

// GetSelected returns the saved selection of group.
func (s *SelectionStore) GetSelected(profileID, group string) (string, bool) {
	return s.store.Get(selectionKey(profileID, group))
}

// RemoveSelected forgets the selection of group.
func (s *SelectionStore) RemoveSelected(profileID, group string) error {
	return s.store.Delete(selectionKey(profileID, group))
}

// AllSelections returns group -> selection for profileID.
func (s *SelectionStore) AllSelections(profileID string) map[string]string {
	return s.store.WithPrefix(selectionPrefix + profileID + "_")
}

// SetSelections replaces every saved selection of profileID.
func (s *SelectionStore) SetSelections(profileID string, selections map[string]string) error {
	if err := s.store.Delete(s.store.Keys(selectionPrefix+profileID+"_")...); err != nil {
		return err
	}
	values := make(map[string]string, len(selections))
	for group, name := range selections {
		values[selectionKey(profileID, group)] = name
	}
	return s.store.SetMany(values)
}

// SetPinned records name as the pinned member of group. A blank name unpins.
func (s *SelectionStore) SetPinned(profileID, group, name string) error {
	if strings.TrimSpace(name) == "" {
		return s.RemovePinned(profileID, group)
	}
	return s.store.Set(pinKey(profileID, group), name)
}

// GetPinned returns the pinned member of group.
func (s *SelectionStore) GetPinned(profileID, group string) (string, bool) {
	return s.store.Get(pinKey(profileID, group))
}

// RemovePinned forgets the pin of group.
func (s *SelectionStore) RemovePinned(profileID, group string) error {
	return s.store.Delete(pinKey(profileID, group))
}

// AllPins returns group -> pinned member for profileID.
func (s *SelectionStore) AllPins(profileID string) map[string]string {
	return s.store.WithPrefix(pinPrefix + profileID + "_")
}

// Clear forgets every selection and pin of profileID.
func (s *SelectionStore) Clear(profileID string) error {
	keys := append(s.store.Keys(selectionPrefix+profileID+"_"), s.store.Keys(pinPrefix+profileID+"_")...)
	return s.store.Delete(keys...)
}
