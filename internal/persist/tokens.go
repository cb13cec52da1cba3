package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"pkt.systems/pslog"
	"pkt.systems/saslink/schema"
)

// TokenStore keeps one OAuth token per profile so separate CLI invocations
// can share a login.
type TokenStore struct {
	dir string
	log pslog.Logger
}

// NewTokenStore constructs a token store at the given directory.
func NewTokenStore(dir string, logger pslog.Logger) (*TokenStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("token directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &TokenStore{dir: dir, log: logger}, nil
}

// Save writes the token of a profile.
func (s *TokenStore) Save(profile schema.ProfileName, tok oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(profile), data); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Debug("token save ok", "profile", profile, "expiry", tok.Expiry)
	}
	return nil
}

// Load reads the token of a profile. The boolean is false when none is stored.
func (s *TokenStore) Load(profile schema.ProfileName) (oauth2.Token, bool, error) {
	data, err := os.ReadFile(s.path(profile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return oauth2.Token{}, false, nil
		}
		return oauth2.Token{}, false, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return oauth2.Token{}, false, fmt.Errorf("decode token for %s: %w", profile, err)
	}
	return tok, true, nil
}

// Delete removes the token of a profile. Missing tokens are not an error.
func (s *TokenStore) Delete(profile schema.ProfileName) error {
	if err := os.Remove(s.path(profile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *TokenStore) path(profile schema.ProfileName) string {
	name := sanitize(string(profile))
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}
