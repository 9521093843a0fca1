// Package engineconfig models the forwarding engine's configuration document,
// generates it from the store and hashes it for change detection.
package engineconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"forwardctl/internal/util"
)

type Config struct {
	Services  []Service  `json:"services,omitempty" yaml:"services,omitempty"`
	Chains    []Chain    `json:"chains,omitempty" yaml:"chains,omitempty"`
	Observers []Observer `json:"observers,omitempty" yaml:"observers,omitempty"`
	Authers   []Plugged  `json:"authers,omitempty" yaml:"authers,omitempty"`
	Limiters  []Plugged  `json:"limiters,omitempty" yaml:"limiters,omitempty"`
	API       *API       `json:"api,omitempty" yaml:"api,omitempty"`
}

type Service struct {
	Name     string         `json:"name" yaml:"name"`
	Addr     string         `json:"addr" yaml:"addr"`
	Handler  Handler        `json:"handler" yaml:"handler"`
	Listener Listener       `json:"listener" yaml:"listener"`
	Observer string         `json:"observer,omitempty" yaml:"observer,omitempty"`
	Limiter  string         `json:"limiter,omitempty" yaml:"limiter,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type Handler struct {
	Type   string `json:"type" yaml:"type"`
	Chain  string `json:"chain,omitempty" yaml:"chain,omitempty"`
	Auther string `json:"auther,omitempty" yaml:"auther,omitempty"`
}

type Listener struct {
	Type string `json:"type" yaml:"type"`
}

type Chain struct {
	Name string `json:"name" yaml:"name"`
	Hops []Hop  `json:"hops" yaml:"hops"`
}

type Hop struct {
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

type Node struct {
	Name      string    `json:"name" yaml:"name"`
	Addr      string    `json:"addr" yaml:"addr"`
	Connector Connector `json:"connector" yaml:"connector"`
}

type Connector struct {
	Type string `json:"type" yaml:"type"`
}

type Observer struct {
	Name   string `json:"name" yaml:"name"`
	Plugin Plugin `json:"plugin" yaml:"plugin"`
}

// Plugged is an auther or limiter backed by an HTTP plugin.
type Plugged struct {
	Name   string `json:"name" yaml:"name"`
	Plugin Plugin `json:"plugin" yaml:"plugin"`
}

type Plugin struct {
	Type    string `json:"type" yaml:"type"`
	Addr    string `json:"addr" yaml:"addr"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type API struct {
	Addr       string `json:"addr" yaml:"addr"`
	PathPrefix string `json:"pathPrefix,omitempty" yaml:"pathPrefix,omitempty"`
}

func (c *Config) Empty() bool {
	return c == nil || len(c.Services) == 0
}

func (c *Config) chain(name string) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return Chain{}, false
}

// ServiceSet maps service name to listen address.
type ServiceSet map[string]string

func (c *Config) ServiceSet() ServiceSet {
	set := make(ServiceSet)
	if c == nil {
		return set
	}
	for _, s := range c.Services {
		set[s.Name] = s.Addr
	}
	return set
}

// Diff lists entries of want that are absent or different in s, and entries
// of s that want does not have.
func (s ServiceSet) Diff(want ServiceSet) (missing, extra []string) {
	for name, addr := range want {
		if got, ok := s[name]; !ok || got != addr {
			missing = append(missing, name)
		}
	}
	for name := range s {
		if _, ok := want[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

func (s ServiceSet) Equal(want ServiceSet) bool {
	missing, extra := s.Diff(want)
	return len(missing) == 0 && len(extra) == 0
}

// Parse decodes a JSON (comments and trailing commas allowed) document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := util.DecodeJSONC(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Marshal encodes the document in the format implied by path's extension.
func Marshal(cfg *Config, path string) ([]byte, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// Write replaces the file at path atomically.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg, path)
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write engine config %s: %w", path, err)
	}
	return nil
}

// Read loads a document written by Write.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isYAML(path) {
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse engine config %s: %w", path, err)
		}
		return &cfg, nil
	}
	return Parse(data)
}
