package history

import (
	"log/slog"
	"sort"
	"strings"
)

// MutationKind tags a normalized store mutation.
type MutationKind uint8

const (
	MutationInsert MutationKind = iota + 1
	MutationPatch
	MutationRemove
)

func (k MutationKind) String() string {
	switch k {
	case MutationInsert:
		return "insert"
	case MutationPatch:
		return "patch"
	case MutationRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Mutation is the unit applied to a Store.
//
// Key is the item ID for Insert and Patch, and the SessionID for Remove.
type Mutation struct {
	Kind  MutationKind
	Key   string
	Item  Item
	Patch Patch
}

// Phase is the load state shown to consumers.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseEmpty
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseEmpty:
		return "empty"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// UIState is the load phase plus the error message when Phase is PhaseError.
type UIState struct {
	Phase   Phase
	Message string
}

// Store is the local mirror of a user's history.
//
// Store is not safe for concurrent use; the Engine confines it to its run loop.
type Store struct {
	log     *slog.Logger
	metrics *Metrics

	items map[string]Item
	ui    UIState

	// resume is the phase restored by ClearError. Phase changes that happen
	// while an error is displayed land here.
	resume Phase

	anomalies int
}

// NewStore constructs an empty Store in PhaseIdle.
func NewStore(log *slog.Logger, metrics *Metrics) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:     log,
		metrics: metrics,
		items:   make(map[string]Item),
	}
}

// Apply applies m and reports whether the state changed.
// Malformed or inapplicable mutations are dropped and counted as anomalies.
func (s *Store) Apply(m Mutation) bool {
	key := strings.TrimSpace(m.Key)
	if key == "" {
		s.drop(m, "empty_key")
		return false
	}

	switch m.Kind {
	case MutationInsert:
		it := m.Item
		if it.ID != "" && it.ID != key {
			s.drop(m, "key_mismatch")
			return false
		}
		it.ID = key
		s.items[key] = it
		if s.phase() == PhaseEmpty {
			s.setPhase(PhaseLoaded)
		}

	case MutationPatch:
		cur, ok := s.items[key]
		if !ok {
			s.drop(m, "patch_missing_key")
			return false
		}
		if m.Patch.IsZero() {
			s.drop(m, "empty_patch")
			return false
		}
		s.items[key] = m.Patch.ApplyTo(cur)

	case MutationRemove:
		removed := 0
		for id, it := range s.items {
			if it.SessionID == key {
				delete(s.items, id)
				removed++
			}
		}
		if removed == 0 {
			s.drop(m, "remove_no_match")
			return false
		}

	default:
		s.drop(m, "unknown_kind")
		return false
	}

	s.metrics.mutationApplied(m.Kind)
	return true
}

func (s *Store) drop(m Mutation, reason string) {
	s.anomalies++
	s.metrics.anomaly(reason)
	s.log.Warn("history.store.anomaly", "reason", reason, "kind", m.Kind.String(), "key", m.Key)
}

// Loading marks a (re)load in flight.
func (s *Store) Loading() { s.setPhase(PhaseLoading) }

// Loaded marks the first batch of a load as applied.
func (s *Store) Loaded() { s.setPhase(PhaseLoaded) }

// Empty marks an initial load that returned no items.
func (s *Store) Empty() { s.setPhase(PhaseEmpty) }

// Settle ends a load with nothing in flight: Loaded when items are held,
// Idle otherwise.
func (s *Store) Settle() {
	if len(s.items) > 0 {
		s.setPhase(PhaseLoaded)
		return
	}
	s.setPhase(PhaseIdle)
}

// Fail shows msg as an error. The underlying phase is kept for ClearError.
func (s *Store) Fail(msg string) {
	if s.ui.Phase != PhaseError {
		s.resume = s.ui.Phase
	}
	s.ui = UIState{Phase: PhaseError, Message: msg}
}

// ClearError leaves PhaseError and restores the phase that was current.
func (s *Store) ClearError() {
	if s.ui.Phase != PhaseError {
		return
	}
	s.ui = UIState{Phase: s.resume}
}

// UIState returns the current load state.
func (s *Store) UIState() UIState { return s.ui }

// Len returns the number of items held.
func (s *Store) Len() int { return len(s.items) }

// Has reports whether an item with id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.items[id]
	return ok
}

// Get returns the item with id.
func (s *Store) Get(id string) (Item, bool) {
	it, ok := s.items[id]
	return it, ok
}

// Anomalies returns the number of dropped mutations.
func (s *Store) Anomalies() int { return s.anomalies }

// AllItems returns every item ordered by CreatedAt descending, then ID.
func (s *Store) AllItems() []Item {
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) phase() Phase {
	if s.ui.Phase == PhaseError {
		return s.resume
	}
	return s.ui.Phase
}

func (s *Store) setPhase(p Phase) {
	if s.ui.Phase == PhaseError {
		s.resume = p
		return
	}
	s.ui = UIState{Phase: p}
}
