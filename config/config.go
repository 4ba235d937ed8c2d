// Package config provides the host configuration lookups the launcher needs.
//
// The launcher only ever asks for one item, the environment identifier that is injected
// into every worker as ENV_ID. Providers can be chained, the first one that has the item wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/guseggert/spawner/internal/files"
	"gopkg.in/yaml.v3"
)

const (
	// EnvIDKey is the configuration item holding the environment identifier.
	EnvIDKey = "env_id"
	// DefaultEnvID is used when no provider has an environment identifier.
	DefaultEnvID = "local"
	// DefaultFileName is the config file name searched for by FindFile.
	DefaultFileName = "spawner.yaml"
)

// Provider looks up configuration items by key.
type Provider interface {
	Item(key string) (string, bool)
}

// EnvironmentID returns the environment identifier from p, or DefaultEnvID.
func EnvironmentID(p Provider) string {
	if p == nil {
		return DefaultEnvID
	}
	if v, ok := p.Item(EnvIDKey); ok && v != "" {
		return v
	}
	return DefaultEnvID
}

// Static is a fixed set of items, mostly useful in tests.
type Static map[string]string

func (s Static) Item(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Env reads items from environment variables named Prefix + upper-cased key,
// so with the prefix "SPAWNER_" the env_id item is read from SPAWNER_ENV_ID.
type Env struct {
	Prefix string
}

func (e Env) Item(key string) (string, bool) {
	return os.LookupEnv(e.Prefix + strings.ToUpper(key))
}

// Chain asks each provider in order.
type Chain []Provider

func (c Chain) Item(key string) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if v, ok := p.Item(key); ok {
			return v, true
		}
	}
	return "", false
}

// File holds items loaded from a flat YAML document.
type File struct {
	Path  string
	items map[string]string
}

func (f *File) Item(key string) (string, bool) {
	v, ok := f.items[key]
	return v, ok
}

// LoadFile reads a YAML mapping of scalar values.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	items := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config item %q in %q must be a scalar", k, path)
		case nil:
			continue
		}
		items[k] = fmt.Sprint(v)
	}
	return &File{Path: path, items: items}, nil
}

// FindFile looks for name in dir and each of its parents and loads the first match.
// It returns os.ErrNotExist if there is none.
func FindFile(name, dir string) (*File, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", dir, err)
	}
	path, err := files.FindUp(name, abs)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, os.ErrNotExist
	}
	return LoadFile(path)
}

// Default is the provider used by the command line tools: the SPAWNER_ prefixed environment
// first, then spawner.yaml found from the working directory upwards, if any.
func Default() (Provider, error) {
	chain := Chain{Env{Prefix: "SPAWNER_"}}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting wd: %w", err)
	}
	f, err := FindFile(DefaultFileName, wd)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if f != nil {
		chain = append(chain, f)
	}
	return chain, nil
}
