package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	profilesFile      = "profiles.json"
	activeProfileFile = "active-profile"
	legacyAuthFile    = "auth.json"
	legacyTokenFile   = "token"
)

// User describes the upstream account behind a profile.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Profile is a credential bundle for one upstream user. Token is the
// short-lived Copilot session token used on requests; RefreshToken is
// the long-lived GitHub token exchanged for new session tokens.
type Profile struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	UpdatedAt    int64    `json:"updated_at,omitempty"` // unix millis
	LastModels   []string `json:"last_models,omitempty"`
	User         User     `json:"user"`
}

// legacyAuth is the single-credential record older releases stored in
// auth.json. It is read for migration and written as a mirror of the
// active profile.
type legacyAuth struct {
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UpdatedAt    int64  `json:"updated_at,omitempty"`
}

// Store persists profiles and the active-profile marker under the user
// config directory. All credential-bearing files are written with
// owner-only permissions and rewritten in full on each mutation.
type Store struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Dir returns the store's backing directory.
func (s *Store) Dir() string { return s.dir }

// GenerateID builds the stable profile id "<provider>-<login>".
func GenerateID(provider, login string) string {
	return provider + "-" + login
}

// LoadProfiles returns all persisted profiles, performing the legacy
// single-credential migration on first read.
func (s *Store) LoadProfiles() (map[string]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadProfilesLocked()
}

func (s *Store) loadProfilesLocked() (map[string]*Profile, error) {
	profiles := make(map[string]*Profile)

	data, err := os.ReadFile(filepath.Join(s.dir, profilesFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &profiles); err != nil {
			// Malformed state starts over empty rather than failing.
			s.logger.Warn("discarding malformed profiles file", zap.Error(err))
			profiles = make(map[string]*Profile)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading profiles: %w", err)
	}

	if len(profiles) == 0 {
		if p := s.migrateLegacyLocked(); p != nil {
			profiles[p.ID] = p
			if err := s.writeProfilesLocked(profiles); err != nil {
				return nil, err
			}
		}
	}
	return profiles, nil
}

// migrateLegacyLocked builds a synthetic profile from auth.json or the
// bare token file so legacy users do not silently lose access.
func (s *Store) migrateLegacyLocked() *Profile {
	var legacy legacyAuth
	if data, err := os.ReadFile(filepath.Join(s.dir, legacyAuthFile)); err == nil {
		if err := json.Unmarshal(data, &legacy); err != nil {
			legacy = legacyAuth{}
		}
	}
	if legacy.RefreshToken == "" && legacy.Token == "" {
		if data, err := os.ReadFile(filepath.Join(s.dir, legacyTokenFile)); err == nil {
			if tok := strings.TrimSpace(string(data)); IsCopilotToken(tok) {
				legacy.RefreshToken = tok
			}
		}
	}
	if legacy.RefreshToken == "" && legacy.Token == "" {
		return nil
	}

	p := &Profile{
		ID:           GenerateID("github", "unknown"),
		Provider:     "github",
		Token:        legacy.Token,
		RefreshToken: legacy.RefreshToken,
		UpdatedAt:    time.Now().UnixMilli(),
		User:         User{Login: "unknown"},
	}
	s.logger.Info("migrated legacy credentials", zap.String("profile", p.ID))
	return p
}

// GetProfile returns one profile by id.
func (s *Store) GetProfile(id string) (*Profile, error) {
	profiles, err := s.LoadProfiles()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", id)
	}
	return p, nil
}

// SaveProfile inserts or overwrites a profile. When the saved profile is
// the active one, the legacy single-credential mirror is refreshed so
// older tooling keeps working.
func (s *Store) SaveProfile(id string, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.loadProfilesLocked()
	if err != nil {
		return err
	}
	p.ID = id
	profiles[id] = p
	if err := s.writeProfilesLocked(profiles); err != nil {
		return err
	}

	if active, _ := s.readActiveLocked(); active == id {
		if err := s.writeLegacyMirrorLocked(p); err != nil {
			s.logger.Warn("writing legacy credential mirror", zap.Error(err))
		}
	}
	return nil
}

// DeleteProfile removes a profile. Deleting the active profile clears
// the active marker and promotes an arbitrary remaining profile.
func (s *Store) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.loadProfilesLocked()
	if err != nil {
		return err
	}
	delete(profiles, id)
	if err := s.writeProfilesLocked(profiles); err != nil {
		return err
	}

	active, _ := s.readActiveLocked()
	if active != id {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, activeProfileFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for next := range profiles {
		return s.setActiveLocked(next, profiles[next])
	}
	return nil
}

// GetActive returns the active profile id, or "" when none is set. When
// no marker exists and exactly one profile does, that profile is
// selected and persisted as a convenience.
func (s *Store) GetActive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := s.readActiveLocked(); err == nil && id != "" {
		return id, nil
	}

	profiles, err := s.loadProfilesLocked()
	if err != nil {
		return "", err
	}
	if len(profiles) != 1 {
		return "", nil
	}
	for id, p := range profiles {
		if err := s.setActiveLocked(id, p); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

// ActiveProfile resolves the active profile record, or nil when none.
func (s *Store) ActiveProfile() (*Profile, error) {
	id, err := s.GetActive()
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetProfile(id)
}

// SetActive marks a profile as active and refreshes the legacy mirror.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.loadProfilesLocked()
	if err != nil {
		return err
	}
	p, ok := profiles[id]
	if !ok {
		return fmt.Errorf("profile %q not found", id)
	}
	return s.setActiveLocked(id, p)
}

func (s *Store) setActiveLocked(id string, p *Profile) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, activeProfileFile), []byte(id+"\n"), 0o600); err != nil {
		return err
	}
	if err := s.writeLegacyMirrorLocked(p); err != nil {
		s.logger.Warn("writing legacy credential mirror", zap.Error(err))
	}
	return nil
}

func (s *Store) readActiveLocked() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, activeProfileFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) writeProfilesLocked(profiles map[string]*Profile) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, profilesFile), data, 0o600)
}

func (s *Store) writeLegacyMirrorLocked(p *Profile) error {
	if p == nil {
		return nil
	}
	mirror := legacyAuth{
		Token:        p.Token,
		RefreshToken: p.RefreshToken,
		UpdatedAt:    p.UpdatedAt,
	}
	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, legacyAuthFile), data, 0o600); err != nil {
		return err
	}
	if p.RefreshToken != "" {
		return os.WriteFile(filepath.Join(s.dir, legacyTokenFile), []byte(p.RefreshToken+"\n"), 0o600)
	}
	return nil
}

// ReadLegacyCredential returns the credential stored in the legacy
// auth.json or token files when it classifies as a Copilot token.
func (s *Store) ReadLegacyCredential() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var legacy legacyAuth
	if data, err := os.ReadFile(filepath.Join(s.dir, legacyAuthFile)); err == nil {
		_ = json.Unmarshal(data, &legacy)
		if IsCopilotToken(legacy.Token) && !TokenExpired(legacy.Token) {
			return legacy.Token
		}
	}
	if data, err := os.ReadFile(filepath.Join(s.dir, legacyTokenFile)); err == nil {
		if tok := strings.TrimSpace(string(data)); IsCopilotToken(tok) {
			return tok
		}
	}
	return ""
}
