package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".poserdbg"
	configFile string = "config.yml"

	// DefaultMaxStackDepth is used when max-stack-depth is unset.
	DefaultMaxStackDepth = 50
	// DefaultDialTimeout is used when dial-timeout is unset or unparsable.
	DefaultDialTimeout = 5 * time.Second
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Address of the emulator's remote debugging stub, as host:port.
	Remote string `yaml:"remote"`
	// SymbolFile is an ELF image with DWARF information for the application
	// being debugged. Frames covered by it are left to the host's own
	// unwinder.
	SymbolFile string `yaml:"symbol-file"`

	// MaxStackDepth is the maximum number of frames printed by a backtrace.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`
	// FrameCacheSize is the number of resolved function names kept in
	// memory. Zero disables caching.
	FrameCacheSize int `yaml:"frame-cache-size"`
	// TrapReturnOffset is the distance in bytes between sp and the saved
	// return address when stopped at the system call trap entry.
	TrapReturnOffset *uint64 `yaml:"trap-return-offset,omitempty"`
	// DialTimeout is how long to wait for the stub to accept a connection,
	// in time.ParseDuration format.
	DialTimeout string `yaml:"dial-timeout,omitempty"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
}

// StackDepth returns MaxStackDepth or its default.
func (c *Config) StackDepth() int {
	if c == nil || c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// Timeout returns DialTimeout as a duration, or its default.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.DialTimeout == "" {
		return DefaultDialTimeout
	}
	d, err := time.ParseDuration(c.DialTimeout)
	if err != nil || d <= 0 {
		return DefaultDialTimeout
	}
	return d
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the config file at fullConfigFile, creating it with
// the default contents if it does not exist.
func LoadConfigFrom(fullConfigFile string) (*Config, error) {
	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	return os.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for poserdbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address of the emulator's GDB remote stub.
# remote: "localhost:2159"

# ELF image with debug information for the application being debugged.
# symbol-file: "MyApp.gdb"

# Maximum number of frames printed by bt.
# max-stack-depth: 50

# Number of resolved function names to keep in memory (0 disables the cache).
frame-cache-size: 0

# Byte distance between sp and the saved return address at the system call
# trap entry.
# trap-return-offset: 8

# How long to wait for the stub to accept a connection.
# dial-timeout: 5s

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
