// SPDX-License-Identifier: MIT

// Package settings owns the persisted node settings document: node identity,
// destination records, telemetry configuration and favorite configs. The
// document is loaded once at startup and rewritten atomically on every
// mutating operation, guarded by a single writer lock.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/publish"
)

// ErrFavoriteNotFound is returned when a favorite id is unknown.
var ErrFavoriteNotFound = errors.New("favorite not found")

// DuplicateNameError reports a favorite name that is already taken
// (case-insensitive).
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("a favorite named %q already exists", e.Name)
}

// Telemetry is the persisted telemetry publishing configuration. The
// telemetry collector itself is an external collaborator; only its config
// lives here.
type Telemetry struct {
	Enabled         bool   `json:"enabled"`
	PublishInterval int    `json:"publish_interval"`
	Server          string `json:"server,omitempty"`
	Port            int    `json:"port,omitempty"`
	Topic           string `json:"topic,omitempty"`
}

// Favorite is a saved destination configuration preset.
type Favorite struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// document is the wire form of the settings file.
type document struct {
	NodeID       string               `json:"node_id"`
	NodeName     string               `json:"node_name"`
	Destinations []publish.Record     `json:"result_publishers"`
	Favorites    map[string]*Favorite `json:"favorite_configs"`
	Telemetry    Telemetry            `json:"telemetry"`
}

// Store is the settings document plus its writer lock.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Load reads the settings document, creating a fresh one with a new node
// identity when none exists yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path) // #nosec G304 -- path derives from the data dir
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	changed := false
	if s.doc.NodeID == "" {
		s.doc.NodeID = uuid.NewString()
		changed = true
	}
	if s.doc.NodeName == "" {
		s.doc.NodeName = "visiond-" + s.doc.NodeID[:8]
		changed = true
	}
	if s.doc.Favorites == nil {
		s.doc.Favorites = make(map[string]*Favorite)
	}
	if s.doc.Telemetry.PublishInterval <= 0 {
		s.doc.Telemetry.PublishInterval = 30
	}
	if changed {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	logger := vlog.WithComponent("settings")
	logger.Info().
		Str("node_id", s.doc.NodeID).
		Str("node_name", s.doc.NodeName).
		Int("destinations", len(s.doc.Destinations)).
		Int("favorites", len(s.doc.Favorites)).
		Msg("settings loaded")
	return s, nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// NodeIdentity returns the stable node id and the current node name.
func (s *Store) NodeIdentity() (id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.NodeID, s.doc.NodeName
}

// SetNodeName renames the node.
func (s *Store) SetNodeName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("node name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NodeName = name
	return s.saveLocked()
}

// Telemetry returns the persisted telemetry configuration.
func (s *Store) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Telemetry
}

// SetTelemetry replaces the telemetry configuration.
func (s *Store) SetTelemetry(t Telemetry) error {
	if t.PublishInterval <= 0 {
		t.PublishInterval = 30
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Telemetry = t
	return s.saveLocked()
}

// Destinations returns the persisted destination records.
func (s *Store) Destinations() []publish.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]publish.Record, len(s.doc.Destinations))
	copy(out, s.doc.Destinations)
	return out
}

// SetDestinations persists the given destination records. Called after every
// mutating publisher operation.
func (s *Store) SetDestinations(records []publish.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Destinations = records
	return s.saveLocked()
}

// Favorites returns all favorites ordered by creation time.
func (s *Store) Favorites() []*Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Favorite, 0, len(s.doc.Favorites))
	for _, f := range s.doc.Favorites {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddFavorite stores a new favorite preset. Names are unique
// case-insensitively.
func (s *Store) AddFavorite(name, description, destType string, config map[string]any) (*Favorite, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("favorite name is required")
	}
	if destType == "" {
		return nil, fmt.Errorf("destination type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.doc.Favorites {
		if strings.EqualFold(f.Name, name) {
			return nil, &DuplicateNameError{Name: name}
		}
	}
	fav := &Favorite{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Type:        destType,
		Config:      config,
		CreatedAt:   time.Now().UTC(),
	}
	s.doc.Favorites[fav.ID] = fav
	if err := s.saveLocked(); err != nil {
		delete(s.doc.Favorites, fav.ID)
		return nil, err
	}
	cp := *fav
	return &cp, nil
}

// GetFavorite returns one favorite by id.
func (s *Store) GetFavorite(id string) (*Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.doc.Favorites[id]
	if !ok {
		return nil, ErrFavoriteNotFound
	}
	cp := *f
	return &cp, nil
}

// UpdateFavorite patches a favorite's name, description or config. Nil
// fields keep their current values.
func (s *Store) UpdateFavorite(id string, name, description *string, config map[string]any) (*Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.doc.Favorites[id]
	if !ok {
		return nil, ErrFavoriteNotFound
	}
	if name != nil {
		newName := strings.TrimSpace(*name)
		if newName == "" {
			return nil, fmt.Errorf("favorite name must not be empty")
		}
		for otherID, other := range s.doc.Favorites {
			if otherID != id && strings.EqualFold(other.Name, newName) {
				return nil, &DuplicateNameError{Name: newName}
			}
		}
		f.Name = newName
	}
	if description != nil {
		f.Description = strings.TrimSpace(*description)
	}
	if config != nil {
		f.Config = config
	}
	f.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// DeleteFavorite removes a favorite preset.
func (s *Store) DeleteFavorite(id string) (*Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.doc.Favorites[id]
	if !ok {
		return nil, ErrFavoriteNotFound
	}
	delete(s.doc.Favorites, id)
	if err := s.saveLocked(); err != nil {
		s.doc.Favorites[id] = f
		return nil, err
	}
	cp := *f
	return &cp, nil
}
