package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

const (
	// DefaultWebAddress is the default address of the HTTP block server.
	DefaultWebAddress = "localhost:8000"

	// DefaultShutdownDelay is the seconds given to in-flight requests on shutdown.
	DefaultShutdownDelay = 5
)

// Config is the TOML server configuration:
//
//	[server]
//	httpAddress = "localhost:8000"
//	rpcAddress = "localhost:8002"
//	allowedOrigins = ["*"]
//
//	[logging]
//	logfile = "hzvol.log"
//	max_log_size = 500 # MB
//	max_log_age = 30   # days
//	max_log_backups = 5
//
//	[auth]
//	secret_key = "..."
//	auth_file = "users.json"
//
//	[datasets.brain]
//	path = "brain/dataset.json"
//
//	[[datasets.brain.access]]
//	type = "ram"
type Config struct {
	Server   serverConfig
	Logging  hzvol.LogConfig
	Auth     authConfig
	Datasets map[string]DatasetConfig
}

type serverConfig struct {
	HTTPAddress    string   `toml:"httpAddress"`
	RPCAddress     string   `toml:"rpcAddress"`
	AllowedOrigins []string `toml:"allowedOrigins"`
	ReadTimeout    int      `toml:"readTimeout"` // seconds
	ShutdownDelay  int      `toml:"shutdownDelay"`
	PidFile        string   `toml:"pidFile"`
	Note           string   `toml:"note"`
}

// DatasetConfig locates one served dataset.  A non-empty Access chain replaces the one of the
// descriptor.
type DatasetConfig struct {
	Path   string           `toml:"path"`
	Access []storage.Config `toml:"access"`
}

// LoadConfig decodes a TOML file and makes its relative paths absolute against the file's
// directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	c.setDefaults()
	return &c, nil
}

// ParseConfig decodes TOML text.  Relative paths resolve against dir.
func ParseConfig(text, dir string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(text, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filepath.Join(dir, "config.toml")); err != nil {
		return nil, err
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.ShutdownDelay <= 0 {
		c.Server.ShutdownDelay = DefaultShutdownDelay
	}
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return err
	}
	abs := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(configDir, path)
	}

	// [server].pidFile
	c.Server.PidFile = abs(c.Server.PidFile)

	// [logging].logfile
	c.Logging.Logfile = abs(c.Logging.Logfile)

	// [auth].auth_file
	c.Auth.AuthFile = abs(c.Auth.AuthFile)

	// [datasets.foobar].path
	for name, dc := range c.Datasets {
		if dc.Path == "" {
			return fmt.Errorf("dataset %q has no path", name)
		}
		dc.Path = abs(dc.Path)
		for i := range dc.Access {
			dc.Access[i].Path = storage.ResolvePath(dc.Access[i].Path, configDir)
		}
		c.Datasets[name] = dc
	}
	return nil
}

// DatasetNames returns the configured datasets in sorted order.
func (c *Config) DatasetNames() []string {
	names := make([]string, 0, len(c.Datasets))
	for name := range c.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) writePidFile() error {
	if c.Server.PidFile == "" {
		return nil
	}
	return os.WriteFile(c.Server.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
