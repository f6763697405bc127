package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// FileName is the configuration file looked up in the search path.
	FileName = "netredirect.toml"

	// EnvConfigPath overrides the search path. The c-shared build has no
	// command line, so the injector sets this before loading the library.
	EnvConfigPath = "NETREDIRECT_CONFIG"
)

// Load finds and decodes the configuration file, layered over the
// built-in defaults. An empty path consults EnvConfigPath and then the
// usual locations; no file anywhere is not an error and yields the
// defaults. The second return is the path actually loaded, if any.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	found, err := searchTomlFile(path, defaultLookupDirs())
	if err != nil {
		return nil, "", err
	}

	cfg := Default()
	if found == "" {
		return cfg, "", nil
	}

	fileCfg, err := fromTomlFile(found)
	if err != nil {
		return nil, "", fmt.Errorf("error parsing toml config: %w", err)
	}

	return cfg.Merge(fileCfg), found, nil
}

func fromTomlFile(dir string) (*Config, error) {
	_ = os.Setenv("BURNTSUSHI_TOML_110", "1") // allow new lines in toml file

	var cfg *Config
	_, err := toml.DecodeFile(dir, &cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func searchTomlFile(customDir string, lookupDirs []string) (string, error) {
	if customDir != "" {
		if _, err := os.Stat(customDir); err != nil {
			return "", fmt.Errorf("no such file: %s", customDir)
		}

		return customDir, nil
	}

	for _, p := range lookupDirs {
		if p == "" {
			continue
		}

		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	// Don't care even if config files are not found in lookupDirs
	return "", nil
}

// defaultLookupDirs lists the search locations in priority order. The
// directory of the running binary comes first so that the injected build
// picks up the file dropped next to the library.
func defaultLookupDirs() []string {
	dirs := make([]string, 0, 4)

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), FileName))
	}

	dirs = append(dirs,
		filepath.Join(string(os.PathSeparator), "etc", FileName),
		filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "netredirect", FileName),
		filepath.Join(os.Getenv("HOME"), ".config", "netredirect", FileName),
	)

	return dirs
}
