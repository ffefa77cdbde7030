package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrNoHost means no candidate config file names an API host.
var ErrNoHost = errors.New("no databrowser host configured")

// clientConfig is the [freva] section of a freva.toml file.
type clientConfig struct {
	Freva struct {
		DatabrowserHost string `toml:"databrowser_host"`
	} `toml:"freva"`
}

// DiscoverHost resolves the API host for a client. An explicit host
// short-circuits the config file chain; otherwise the first file that
// names a host wins:
//
//	$XDG_CONFIG_HOME/freva/freva.toml
//	$XDG_DATA_HOME/freva/freva.toml
//	$FREVA_CONFIG
//	/usr/share/freva/freva.toml
//	/usr/share/freva/evaluation_system.conf  (legacy ini)
//
// The result is normalized to "<scheme>://<host>[:port]/api/databrowser".
func DiscoverHost(explicit string) (string, error) {
	if explicit != "" {
		return DatabrowserURL(explicit), nil
	}
	for _, candidate := range configChain() {
		if candidate.path == "" {
			continue
		}
		if _, err := os.Stat(candidate.path); err != nil {
			continue
		}
		host, err := candidate.read(candidate.path)
		if err != nil || host == "" {
			continue
		}
		return DatabrowserURL(host), nil
	}
	return "", ErrNoHost
}

type configFile struct {
	path string
	read func(string) (string, error)
}

func configChain() []configFile {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir, _ = os.UserConfigDir()
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".local", "share")
		}
	}
	chain := []configFile{
		{filepath.Join(configDir, "freva", "freva.toml"), readTOMLHost},
		{filepath.Join(dataDir, "freva", "freva.toml"), readTOMLHost},
		{os.Getenv("FREVA_CONFIG"), readTOMLHost},
		{filepath.Join("/usr/share/freva", "freva.toml"), readTOMLHost},
	}
	legacy := os.Getenv("EVALUATION_SYSTEM_CONFIG_FILE")
	if legacy == "" {
		legacy = filepath.Join("/usr/share/freva", "evaluation_system.conf")
	}
	return append(chain, configFile{legacy, readLegacyHost})
}

func readTOMLHost(path string) (string, error) {
	var cfg clientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.Freva.DatabrowserHost, nil
}

// readLegacyHost pulls the host out of the legacy evaluation_system.conf
// ini format: databrowser.host plus optional databrowser.port, with
// solr.host as last resort.
func readLegacyHost(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	values := map[string]string{}
	section := ""
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		if section != "evaluation_system" {
			continue
		}
		if key, value, found := strings.Cut(line, "="); found {
			values[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	host := values["databrowser.host"]
	if host == "" {
		host = values["solr.host"]
	}
	if host == "" {
		return "", nil
	}
	scheme, bare := splitScheme(host)
	if !strings.Contains(bare, ":") {
		if port := values["databrowser.port"]; port != "" {
			bare += ":" + port
		}
	}
	return scheme + "://" + bare, nil
}

// DatabrowserURL normalizes a host to the client API base URL: scheme
// defaults to http, any path is stripped and the API prefix appended.
func DatabrowserURL(host string) string {
	scheme, bare := splitScheme(host)
	bare, _, _ = strings.Cut(bare, "/")
	return scheme + "://" + bare + "/api/databrowser"
}

func splitScheme(url string) (scheme, host string) {
	if before, after, found := strings.Cut(url, "://"); found && after != "" {
		return before, after
	}
	return "http", url
}
