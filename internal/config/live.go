package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

// Live is the runtime view of the votes section: read on demand, edited by
// admin commands, and written back to the config file on Save.
type Live struct {
	m  *ConfigManager
	mu sync.Mutex
}

func NewLive(m *ConfigManager) *Live { return &Live{m: m} }

// Votes returns the current resolved settings. A committed config has already
// passed validation, so a resolve error only happens before Load and yields defaults.
func (l *Live) Votes() VoteSettings {
	cfg := l.m.Get()
	if cfg == nil {
		return DefaultVoteSettings()
	}
	s, err := cfg.Votes.Resolve()
	if err != nil {
		return DefaultVoteSettings()
	}
	return s
}

// ReviewChannelID is the channel hosting public vote threads.
func (l *Live) ReviewChannelID() string {
	if cfg := l.m.Get(); cfg != nil {
		return cfg.Discord.ReviewChannelID
	}
	return ""
}

// UpdateVotes applies fn to a copy of the current settings, validates the result,
// and commits and publishes it. The file is untouched until Save.
func (l *Live) UpdateVotes(ctx context.Context, fn func(*VoteSettings)) (VoteSettings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.m.Get()
	if cur == nil {
		return VoteSettings{}, errors.New("config not loaded")
	}
	next, err := cloneConfig(cur)
	if err != nil {
		return VoteSettings{}, err
	}
	s := l.Votes()
	fn(&s)
	next.Votes = s.Encode()
	resolved, err := next.Votes.Resolve()
	if err != nil {
		return VoteSettings{}, err
	}
	if l.m.validator != nil {
		if err := l.m.validator(ctx, next); err != nil {
			return VoteSettings{}, err
		}
	}
	l.m.Commit(next)
	l.m.publish(next)
	return resolved, nil
}

// Save writes the committed votes section back into the file, in the file's own
// format. Other sections are re-read from disk so environment secrets are never persisted.
func (l *Live) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.m.Get()
	if cur == nil {
		return errors.New("config not loaded")
	}
	path := l.m.path
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	onDisk, err := decode(path, raw)
	if err != nil {
		return fmt.Errorf("re-read config: %w", err)
	}
	onDisk.Votes = cur.Votes

	out, err := encode(path, onDisk)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, out); err != nil {
		return err
	}
	// Our own write must not look like an external change.
	l.m.mu.Lock()
	l.m.lastHash = hashConfig(withEnv(onDisk))
	l.m.mu.Unlock()
	return nil
}

func withEnv(cfg *Config) *Config {
	cp, err := cloneConfig(cfg)
	if err != nil {
		return cfg
	}
	ApplyEnv(cp)
	return cp
}

func cloneConfig(cfg *Config) (*Config, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// encode renders cfg as JSON or YAML depending on the path extension.
func encode(path string, cfg *Config) ([]byte, error) {
	jb, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if !isYAMLPath(path) {
		return append(jb, '\n'), nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(jb, &node); err != nil {
		return nil, fmt.Errorf("json->yaml: %w", err)
	}
	clearStyle(&node)
	return yaml.Marshal(&node)
}

// clearStyle drops the flow style yaml picks up when parsing JSON, keeping key order.
func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
