package handlers

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

// Document is an open text document as last synchronized by the client.
type Document struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId,omitempty"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// DocumentStore holds the open documents. Handlers for the same document
// are not serialized by the scheduler, so the store is locked.
type DocumentStore struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewDocumentStore returns an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*Document)}
}

// Open records a document, replacing any previous content for the URI.
func (s *DocumentStore) Open(item TextDocumentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[item.URI] = &Document{
		URI:        item.URI,
		LanguageID: item.LanguageID,
		Version:    item.Version,
		Text:       item.Text,
	}
}

// Change applies content changes in order. A change without a range
// replaces the whole text.
func (s *DocumentStore) Change(id VersionedTextDocumentIdentifier, changes []TextDocumentContentChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id.URI]
	if !ok {
		return fmt.Errorf("change to unopened document %s", id.URI)
	}
	text := doc.Text
	for _, ch := range changes {
		if ch.Range == nil {
			text = ch.Text
			continue
		}
		start := offsetOf(text, ch.Range.Start)
		end := offsetOf(text, ch.Range.End)
		if end < start {
			return fmt.Errorf("inverted range in change to %s", id.URI)
		}
		var b strings.Builder
		b.Grow(len(text) - (end - start) + len(ch.Text))
		b.WriteString(text[:start])
		b.WriteString(ch.Text)
		b.WriteString(text[end:])
		text = b.String()
	}
	doc.Text = text
	doc.Version = id.Version
	return nil
}

// Save replaces the text when the client included it on save.
func (s *DocumentStore) Save(uri string, text *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[uri]; ok && text != nil {
		doc.Text = *text
	}
}

// Close forgets a document.
func (s *DocumentStore) Close(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
}

// Clear forgets every document and returns how many were open.
func (s *DocumentStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.docs)
	clear(s.docs)
	return n
}

// Get returns a snapshot of the document.
func (s *DocumentStore) Get(uri string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// URIs returns the open document URIs in sorted order.
func (s *DocumentStore) URIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.docs))
}

// offsetOf converts an LSP position (UTF-16 columns) to a byte offset in
// text. Positions past the end of a line clamp to the line end; lines past
// the end of the text clamp to len(text).
func offsetOf(text string, p Position) int {
	if p.Line < 0 {
		return 0
	}
	i := 0
	for line := 0; line < p.Line; line++ {
		nl := strings.IndexByte(text[i:], '\n')
		if nl < 0 {
			return len(text)
		}
		i += nl + 1
	}

	need := p.Character
	for i < len(text) && need > 0 {
		r, sz := utf8.DecodeRuneInString(text[i:])
		if r == '\n' || (r == '\r' && strings.HasPrefix(text[i:], "\r\n")) {
			break
		}
		if r >= 0x10000 {
			need -= 2
		} else {
			need--
		}
		i += sz
	}
	return i
}
