package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// Kind names an Access implementation.
type Kind string

const (
	KindDisk        Kind = "disk"
	KindBadger      Kind = "badger"
	KindBlob        Kind = "blob"
	KindRAM         Kind = "ram"
	KindMultiplex   Kind = "multiplex"
	KindOnDemand    Kind = "ondemand"
	KindRemote      Kind = "remote"
	KindConditional Kind = "conditional"
)

// ParseKind maps a configured type, including older aliases, to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disk", "idxdisk", "diskaccess":
		return KindDisk, nil
	case "badger":
		return KindBadger, nil
	case "blob", "cloud", "cloudstorage", "cloudstorageaccess":
		return KindBlob, nil
	case "ram", "lruam", "ramaccess":
		return KindRAM, nil
	case "multiplex", "multiplexaccess":
		return KindMultiplex, nil
	case "ondemand", "ondemandaccess":
		return KindOnDemand, nil
	case "remote", "network", "modvisus", "networkaccess":
		return KindRemote, nil
	case "conditional", "filter", "filteraccess":
		return KindConditional, nil
	default:
		return "", fmt.Errorf("Unknown access type %q: %w", s, hzvol.ErrValidation)
	}
}

// Condition lets a block pass if its HZ range [from,to) falls inside some window
// [From+K*Step, From+K*Step+Full) that itself lies in [From,To).
type Condition struct {
	From uint64 `toml:"from" json:"from,omitempty"`
	To   uint64 `toml:"to" json:"to,omitempty"`
	Step uint64 `toml:"step" json:"step,omitempty"`
	Full uint64 `toml:"full" json:"full,omitempty"`
}

// Config describes one Access.  Only the settings relevant to its type are read.
type Config struct {
	Type         string `toml:"type" json:"type,omitempty"`
	Name         string `toml:"name" json:"name,omitempty"`
	Chmod        string `toml:"chmod" json:"chmod,omitempty"`
	BitsPerBlock int    `toml:"bitsperblock" json:"bitsperblock,omitempty"`
	Compression  string `toml:"compression" json:"compression,omitempty"`
	Workers      int    `toml:"nworkers" json:"nworkers,omitempty"`

	// disk and badger
	Path             string `toml:"path" json:"path,omitempty"`
	FilenameTemplate string `toml:"filename_template" json:"filename_template,omitempty"`
	ReadOnly         bool   `toml:"readonly" json:"readonly,omitempty"`

	// blob, remote
	URL string `toml:"url" json:"url,omitempty"`

	// ram
	Available int `toml:"available" json:"available,omitempty"`

	// ondemand
	Generator string `toml:"generator" json:"generator,omitempty"`
	Command   string `toml:"command" json:"command,omitempty"`

	// remote
	Dataset           string `toml:"dataset" json:"dataset,omitempty"`
	NConnections      int    `toml:"nconnections" json:"nconnections,omitempty"`
	QueriesPerRequest int    `toml:"num_queries_per_request" json:"num_queries_per_request,omitempty"`
	Token             string `toml:"token" json:"token,omitempty"`

	// conditional
	Conditions []Condition `toml:"condition" json:"condition,omitempty"`

	// multiplex children or the conditional target
	Children []Config `toml:"access" json:"access,omitempty"`
}

// Kind returns the parsed type.
func (c Config) Kind() (Kind, error) {
	return ParseKind(c.Type)
}

// ResolvePath returns path made absolute against dir.
func ResolvePath(path, dir string) string {
	if path == "" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(dir, path)
}

// Chain is the TOML document listing access configurations.
type Chain struct {
	Access []Config `toml:"access" json:"access,omitempty"`
}

// ParseChain decodes a TOML document of [[access]] tables.
func ParseChain(text string) ([]Config, error) {
	var chain Chain
	if _, err := toml.Decode(text, &chain); err != nil {
		return nil, fmt.Errorf("Bad access configuration: %v: %w", err, hzvol.ErrValidation)
	}
	return chain.Access, nil
}

// LoadChain reads a TOML file of [[access]] tables.
func LoadChain(filename string) ([]Config, error) {
	var chain Chain
	if _, err := toml.DecodeFile(filename, &chain); err != nil {
		return nil, fmt.Errorf("Could not decode access configuration %q: %v: %w", filename, err, hzvol.ErrValidation)
	}
	return chain.Access, nil
}
