package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/types"
)

const (
	// SchemaVersion is the only on-disk schema this build understands.
	SchemaVersion = 0

	configFileName = "main.yaml"
	tokensDirName  = "tokens"
	sshDirName     = "ssh"
)

// Config is the persistent configuration: the set of advertised WDs, the
// token paths, and the tunnel SSH key.
type Config struct {
	Version      int                  `yaml:"version"`
	APITokens    []string             `yaml:"api_tokens"`
	ErrAPITokens map[string]string    `yaml:"err_api_tokens,omitempty"`
	SSHKey       string               `yaml:"ssh_key"`
	WDeployments []*types.WDeployment `yaml:"wdeployments"`
}

// Store owns the on-disk configuration. Reads are concurrent; mutations and
// Persist hold the writer gate, and Persist holds it through the full
// write-then-rename so partial writes are never visible.
type Store struct {
	baseDir string

	mu  sync.RWMutex
	cfg *Config

	tokens []*types.TokenRecord
}

// BasePath returns the per-user configuration directory, honoring the
// HARDSHARE_CONFIG_DIR override used by tests.
func BasePath() (string, error) {
	if dir := os.Getenv("HARDSHARE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".rerobots"), nil
}

// NewStore creates a store rooted at baseDir without touching the disk.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Path returns the config file path.
func (s *Store) Path() string {
	return filepath.Join(s.baseDir, configFileName)
}

// BaseDir returns the configuration directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TokensDir returns the directory scanned for API token files.
func (s *Store) TokensDir() string {
	return filepath.Join(s.baseDir, tokensDirName)
}

// SSHDir returns the directory holding the tunnel keypair.
func (s *Store) SSHDir() string {
	return filepath.Join(s.baseDir, sshDirName)
}

// Init creates the configuration tree and, when no key exists yet,
// generates the tunnel SSH keypair with ssh-keygen.
func (s *Store) Init() error {
	for _, dir := range []string{s.baseDir, s.TokensDir(), s.SSHDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(s.Path()); err == nil {
		return s.Load()
	}

	keyPath := filepath.Join(s.SSHDir(), "tun")
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		cmd := exec.Command("ssh-keygen", "-N", "", "-f", keyPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ssh-keygen failed: %v: %s", err, out)
		}
	}

	s.mu.Lock()
	s.cfg = &Config{
		Version: SchemaVersion,
		SSHKey:  keyPath,
	}
	s.mu.Unlock()
	return s.Persist()
}

// Load reads and validates the configuration file, then rescans tokens.
// A present-but-unparseable file is ErrConfigCorrupt; an unknown version is
// ErrSchemaUnsupported. Both are fatal at daemon startup.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no configuration found at %s (run `hardshare init`): %w", s.Path(), err)
		}
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrConfigCorrupt, s.Path(), err)
	}
	if cfg.Version != SchemaVersion {
		return fmt.Errorf("%w: version %d", types.ErrSchemaUnsupported, cfg.Version)
	}

	tokens, errored := ScanTokens(s.TokensDir())
	cfg.APITokens = cfg.APITokens[:0]
	for _, t := range tokens {
		cfg.APITokens = append(cfg.APITokens, t.Path)
	}
	cfg.ErrAPITokens = errored

	s.mu.Lock()
	s.cfg = &cfg
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.deepCopy()
}

// Tokens returns the parsed token records from the last Load.
func (s *Store) Tokens() []*types.TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TokenRecord, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Mutate applies fn to the in-memory configuration under the writer gate.
// The change is not durable until Persist.
func (s *Store) Mutate(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return errors.New("configuration not loaded")
	}
	return fn(s.cfg)
}

// Persist writes the configuration durably: marshal to a sibling temp file,
// fsync it, rename over the target, fsync the directory.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return errors.New("configuration not loaded")
	}

	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, configFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return err
	}

	dir, err := os.Open(s.baseDir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// FindWD resolves a WD id prefix against the configuration. An empty prefix
// is accepted when exactly one WD is configured.
func (s *Store) FindWD(prefix string) (*types.WDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if prefix == "" {
		switch len(s.cfg.WDeployments) {
		case 0:
			return nil, fmt.Errorf("%w: no workspace deployment in local configuration", types.ErrUnknownWD)
		case 1:
			return s.cfg.WDeployments[0], nil
		default:
			return nil, errors.New("ambiguous: more than one workspace deployment defined")
		}
	}

	var matches []*types.WDeployment
	for _, wd := range s.cfg.WDeployments {
		if len(wd.ID) >= len(prefix) && wd.ID[:len(prefix)] == prefix {
			matches = append(matches, wd)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: prefix %q", types.ErrUnknownWD, prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("prefix %q matches more than one workspace deployment", prefix)
	}
}

// SetLocked flips the WD lock flag and persists.
func (s *Store) SetLocked(wdid string, locked bool) error {
	err := s.Mutate(func(cfg *Config) error {
		for _, wd := range cfg.WDeployments {
			if wd.ID == wdid {
				wd.Locked = locked
				return nil
			}
		}
		return fmt.Errorf("%w: %s", types.ErrUnknownWD, wdid)
	})
	if err != nil {
		return err
	}
	return s.Persist()
}

// AddWD appends a deployment and persists.
func (s *Store) AddWD(wd *types.WDeployment) error {
	err := s.Mutate(func(cfg *Config) error {
		for _, existing := range cfg.WDeployments {
			if existing.ID == wd.ID {
				return fmt.Errorf("workspace deployment %s already in configuration", wd.ID)
			}
		}
		cfg.WDeployments = append(cfg.WDeployments, wd)
		return nil
	})
	if err != nil {
		return err
	}
	return s.Persist()
}

// RemoveWD deletes a deployment and persists.
func (s *Store) RemoveWD(wdid string) error {
	err := s.Mutate(func(cfg *Config) error {
		for i, wd := range cfg.WDeployments {
			if wd.ID == wdid {
				cfg.WDeployments = append(cfg.WDeployments[:i], cfg.WDeployments[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", types.ErrUnknownWD, wdid)
	})
	if err != nil {
		return err
	}
	return s.Persist()
}

// UpdateWD applies fn to the named deployment and persists.
func (s *Store) UpdateWD(wdid string, fn func(*types.WDeployment) error) error {
	err := s.Mutate(func(cfg *Config) error {
		for _, wd := range cfg.WDeployments {
			if wd.ID == wdid {
				return fn(wd)
			}
		}
		return fmt.Errorf("%w: %s", types.ErrUnknownWD, wdid)
	})
	if err != nil {
		return err
	}
	return s.Persist()
}

// SetSSHKey validates and records the tunnel key path, then persists.
func (s *Store) SetSSHKey(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("key file: %w", err)
	}
	if _, err := os.Stat(abs + ".pub"); err != nil {
		return fmt.Errorf("public key file: %w", err)
	}
	err = s.Mutate(func(cfg *Config) error {
		cfg.SSHKey = abs
		return nil
	})
	if err != nil {
		return err
	}
	return s.Persist()
}

func (c *Config) deepCopy() Config {
	out := Config{
		Version: c.Version,
		SSHKey:  c.SSHKey,
	}
	out.APITokens = append([]string(nil), c.APITokens...)
	if c.ErrAPITokens != nil {
		out.ErrAPITokens = make(map[string]string, len(c.ErrAPITokens))
		for k, v := range c.ErrAPITokens {
			out.ErrAPITokens[k] = v
		}
	}
	for _, wd := range c.WDeployments {
		cp := *wd
		cp.CArgs = append([]string(nil), wd.CArgs...)
		cp.RawDevices = append([]string(nil), wd.RawDevices...)
		cp.InitInside = append([]string(nil), wd.InitInside...)
		cp.Terminate = append([]string(nil), wd.Terminate...)
		if wd.Addons != nil {
			cp.Addons = make(map[types.AddonKind]map[string]string, len(wd.Addons))
			for k, v := range wd.Addons {
				inner := make(map[string]string, len(v))
				for ik, iv := range v {
					inner[ik] = iv
				}
				cp.Addons[k] = inner
			}
		}
		out.WDeployments = append(out.WDeployments, &cp)
	}
	return out
}
