package localstore

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
)

const defaultEventBuffer = 1024

type EventType string

const (
	EventPut    EventType = "put"
	EventRemove EventType = "remove"
)

// Event describes one mutation. Put events carry the full document after the
// change, remove events only the id.
type Event struct {
	Collection string
	Type       EventType
	ID         string
	Doc        Document
}

type collection struct {
	schema Schema
	docs   map[string]Document
	subs   map[int]chan Event
}

// Store is the in-memory system of record. Every read is served from here;
// the durable cache and the remote replica converge on this content.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	nextSubID   int
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) RegisterCollection(name string, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return fmt.Errorf("collection %s already registered", name)
	}
	s.collections[name] = &collection{
		schema: schema,
		docs:   make(map[string]Document),
		subs:   make(map[int]chan Event),
	}
	return nil
}

func (s *Store) Insert(name string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	doc = doc.Clone()
	normalize(doc)

	id, ok := doc.ID()
	if !ok {
		return &ValidationError{Collection: name, Field: "id", Reason: "is required"}
	}
	if err := col.schema.validate(name, doc); err != nil {
		return err
	}
	if _, exists := col.docs[id]; exists {
		return fmt.Errorf("%s/%s: %w", name, id, ErrAlreadyExists)
	}

	col.docs[id] = doc
	s.publish(col, Event{Collection: name, Type: EventPut, ID: id, Doc: doc.Clone()})
	return nil
}

// Update merges fields into an existing document. The id cannot change.
func (s *Store) Update(name, id string, fields Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	current, exists := col.docs[id]
	if !exists {
		return nil, fmt.Errorf("%s/%s: %w", name, id, ErrNotFound)
	}

	updated := current.Clone()
	for k, v := range fields.Clone() {
		updated[k] = v
	}
	normalize(updated)

	if newID, _ := updated.ID(); newID != id {
		return nil, &ValidationError{Collection: name, Field: "id", Reason: "cannot change"}
	}
	if err := col.schema.validate(name, updated); err != nil {
		return nil, err
	}

	col.docs[id] = updated
	s.publish(col, Event{Collection: name, Type: EventPut, ID: id, Doc: updated.Clone()})
	return updated.Clone(), nil
}

// Replace stores the document wholesale, creating it when absent. Unlike
// Update nothing is merged; fields not present in doc are gone afterwards.
func (s *Store) Replace(name string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	doc = doc.Clone()
	normalize(doc)

	id, ok := doc.ID()
	if !ok {
		return &ValidationError{Collection: name, Field: "id", Reason: "is required"}
	}
	if err := col.schema.validate(name, doc); err != nil {
		return err
	}

	col.docs[id] = doc
	s.publish(col, Event{Collection: name, Type: EventPut, ID: id, Doc: doc.Clone()})
	return nil
}

func (s *Store) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	if _, exists := col.docs[id]; !exists {
		return fmt.Errorf("%s/%s: %w", name, id, ErrNotFound)
	}

	delete(col.docs, id)
	s.publish(col, Event{Collection: name, Type: EventRemove, ID: id})
	return nil
}

func (s *Store) Get(name, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	doc, exists := col.docs[id]
	if !exists {
		return nil, fmt.Errorf("%s/%s: %w", name, id, ErrNotFound)
	}
	return doc.Clone(), nil
}

// Find returns the documents whose field equals value, ordered by id.
func (s *Store) Find(name, field string, value any) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	probe := Document{"v": value}
	normalize(probe)
	value = probe["v"]

	out := make([]Document, 0)
	for _, doc := range col.docs {
		if doc[field] == value {
			out = append(out, doc.Clone())
		}
	}
	sortDocs(out)
	return out, nil
}

// All returns every document in the collection, ordered by id.
func (s *Store) All(name string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	out := make([]Document, 0, len(col.docs))
	for _, doc := range col.docs {
		out = append(out, doc.Clone())
	}
	sortDocs(out)
	return out, nil
}

// Subscribe registers a change feed for one collection. The channel is
// buffered; when a consumer falls behind, events are dropped with a warning
// rather than blocking writers.
func (s *Store) Subscribe(name string, buffer int) (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	s.nextSubID++
	id := s.nextSubID
	ch := make(chan Event, buffer)
	col.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := col.subs[id]; ok {
			delete(col.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe, nil
}

// Reset drops every document and detaches all subscribers. Registered
// schemas survive so the store keeps serving after a wipe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, col := range s.collections {
		col.docs = make(map[string]Document)
		for id, ch := range col.subs {
			close(ch)
			delete(col.subs, id)
		}
	}
	logger.Log.Info("Local store reset")
}

func (s *Store) publish(col *collection, ev Event) {
	for _, ch := range col.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("Dropping change event, subscriber is behind",
				zap.String("collection", ev.Collection),
				zap.String("id", ev.ID),
			)
		}
	}
}

func sortDocs(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, _ := docs[i].ID()
		b, _ := docs[j].ID()
		return a < b
	})
}
