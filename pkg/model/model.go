package model

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// An Update is delivered to subscribers after every committed write.
// The first update, and the first after a firmware reset, carries the
// whole document instead of a delta.
type Update struct {
	Revision uint64
	Full     bool
	Path     string
	Value    any
	Document map[string]any
}

type Subscriber struct {
	filter string
	ch     chan Update
	// Next notification must resend the whole document
	stale bool
}

// Updates is the subscriber's receive channel
func (s *Subscriber) Updates() <-chan Update {
	return s.ch
}

// Store is the in-memory mirror of the firmware object model. A single
// writer (the packet router ingress) applies patches, any number of
// readers take the shared lock. Revisions are strictly monotone.
type Store struct {
	mu          sync.RWMutex
	root        map[string]any
	revision    uint64
	subscribers []*Subscriber
	logger      *log.Entry
}

func NewStore(logger *log.Entry) *Store {
	if logger == nil {
		logger = log.WithField("service", "[MODEL]")
	}
	return &Store{
		root:   map[string]any{},
		logger: logger,
	}
}

// Revision returns the current document revision
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// View grants shared read access. The callback must not mutate the
// document nor retain references past its return.
func (s *Store) View(fn func(root map[string]any)) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.root)
	return s.revision
}

// Get resolves a dotted path ("job.file.fileName", array elements by
// integer index) and returns a deep copy of the value
func (s *Store) Get(path string) (any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if path == "" {
		return deepCopy(s.root), s.revision, nil
	}
	value, err := resolvePath(s.root, path)
	if err != nil {
		return nil, s.revision, err
	}
	return deepCopy(value), s.revision, nil
}

// Update grants exclusive write access and bumps the revision once.
// Subscribers see the change only after the callback returned.
func (s *Store) Update(path string, fn func(root map[string]any)) uint64 {
	s.mu.Lock()
	fn(s.root)
	s.revision++
	revision := s.revision
	var value any
	if path != "" {
		value, _ = resolvePath(s.root, path)
	}
	s.notify(Update{Revision: revision, Path: path, Value: deepCopy(value)})
	s.mu.Unlock()
	return revision
}

// ApplyPatch merges a firmware patch at the given path. Semantics
// follow JSON merge patch : objects merge recursively, null removes
// the key, everything else replaces. Array elements may be addressed
// by integer index inside the path.
func (s *Store) ApplyPatch(path string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := applyPatch(s.root, path, payload)
	if err != nil {
		return err
	}
	s.revision++
	var value any
	if path == "" {
		value = s.root
	} else {
		value, _ = resolvePath(s.root, path)
	}
	s.notify(Update{Revision: s.revision, Path: path, Value: deepCopy(value)})
	return nil
}

// Reset clears the document after a firmware restart. Every
// subscriber receives the next update as a full document.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = map[string]any{}
	s.revision++
	for _, sub := range s.subscribers {
		sub.stale = true
	}
	s.notify(Update{Revision: s.revision, Full: true, Document: map[string]any{}})
}

// Subscribe registers for change notifications. filter is a path
// prefix, empty subscribes to everything. The first notification
// carries the full document.
func (s *Store) Subscribe(filter string) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscriber{
		filter: filter,
		ch:     make(chan Update, 16),
	}
	s.subscribers = append(s.subscribers, sub)
	// Initial full document at the current revision
	sub.ch <- Update{Revision: s.revision, Full: true, Document: deepCopy(s.root).(map[string]any)}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel
func (s *Store) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.subscribers {
		if candidate == sub {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// notify pushes an update to matching subscribers, must hold s.mu.
// A subscriber that cannot keep up is marked stale and gets a full
// document on the next notification instead.
func (s *Store) notify(update Update) {
	for _, sub := range s.subscribers {
		if sub.filter != "" && !matchesFilter(update.Path, sub.filter) && !update.Full {
			continue
		}
		out := update
		if sub.stale && !update.Full {
			out = Update{Revision: update.Revision, Full: true, Document: deepCopy(s.root).(map[string]any)}
		}
		select {
		case sub.ch <- out:
			sub.stale = false
		default:
			sub.stale = true
		}
	}
}

func matchesFilter(path, filter string) bool {
	if len(path) < len(filter) {
		return false
	}
	if path[:len(filter)] != filter {
		return false
	}
	return len(path) == len(filter) || path[len(filter)] == '.'
}

// deepCopy clones maps and slices so readers never alias the live tree
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(v))
		for key, elem := range v {
			clone[key] = deepCopy(elem)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for i, elem := range v {
			clone[i] = deepCopy(elem)
		}
		return clone
	default:
		return v
	}
}

func pathError(segment string) error {
	return fmt.Errorf("path segment %q not found", segment)
}
