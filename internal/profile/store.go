package profile

import (
	"encoding/json"
	"os"

	"ferry-sync/internal/appdir"
	"ferry-sync/internal/cryptostore"

	"github.com/google/uuid"
)

const ProfilesFileName = "profiles.json"

// Store loads and saves the profile list. Secret fields are sealed on
// save and opened on load whenever the crypto store is unlocked;
// otherwise they pass through opaque. Saving is last-writer-wins.
type Store struct {
	crypto *cryptostore.Store
}

func NewStore(crypto *cryptostore.Store) *Store {
	return &Store{crypto: crypto}
}

func (s *Store) Load() ([]*Profile, error) {
	path, err := appdir.Path(ProfilesFileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []*Profile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var profiles []*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, err
	}
	if s.crypto.Unlocked() {
		for _, p := range profiles {
			if err := s.openSecrets(p); err != nil {
				return nil, err
			}
		}
	}
	return profiles, nil
}

// Save upserts one profile by id, assigning an id on first save.
func (s *Store) Save(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	profiles, err := s.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range profiles {
		if existing.ID == p.ID {
			profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		profiles = append(profiles, p)
	}
	return s.writeAll(profiles)
}

func (s *Store) Delete(id string) error {
	profiles, err := s.Load()
	if err != nil {
		return err
	}
	kept := profiles[:0]
	found := false
	for _, p := range profiles {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return ErrNotFound
	}
	return s.writeAll(kept)
}

func (s *Store) Get(id string) (*Profile, error) {
	profiles, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// GetByName resolves a profile by display name, for CLI use.
func (s *Store) GetByName(name string) (*Profile, error) {
	profiles, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) writeAll(profiles []*Profile) error {
	out := make([]*Profile, len(profiles))
	for i, p := range profiles {
		cp := *p
		if s.crypto.Unlocked() {
			if err := s.sealSecrets(&cp); err != nil {
				return err
			}
		}
		out[i] = &cp
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	path, err := appdir.Path(ProfilesFileName)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (s *Store) sealSecrets(p *Profile) error {
	var err error
	if p.Password != "" && !cryptostore.IsEncrypted(p.Password) {
		if p.Password, err = s.crypto.Encrypt(p.Password); err != nil {
			return err
		}
	}
	if p.Passphrase != "" && !cryptostore.IsEncrypted(p.Passphrase) {
		if p.Passphrase, err = s.crypto.Encrypt(p.Passphrase); err != nil {
			return err
		}
	}
	if p.SecretAccessKey != "" && !cryptostore.IsEncrypted(p.SecretAccessKey) {
		if p.SecretAccessKey, err = s.crypto.Encrypt(p.SecretAccessKey); err != nil {
			return err
		}
	}
	return nil
}

// openSecrets decrypts in place. A field that fails tag verification is
// left sealed rather than replaced with garbage; the caller sees the
// blob and can tell the vault passphrase was wrong.
func (s *Store) openSecrets(p *Profile) error {
	if v, err := s.crypto.Decrypt(p.Password); err == nil {
		p.Password = v
	}
	if v, err := s.crypto.Decrypt(p.Passphrase); err == nil {
		p.Passphrase = v
	}
	if v, err := s.crypto.Decrypt(p.SecretAccessKey); err == nil {
		p.SecretAccessKey = v
	}
	return nil
}
