package childmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigFileError reports a problem loading or validating the children
// configuration file.
type ConfigFileError struct {
	Path string
	Err  error
}

func (e *ConfigFileError) Error() string {
	return fmt.Sprintf("childmgr: children config %q: %v", e.Path, e.Err)
}

func (e *ConfigFileError) Unwrap() error { return e.Err }

type jsonConfigDoc struct {
	MCPServers map[string]ChildServerConfig `json:"mcpServers"`
}

type tomlConfigDoc struct {
	MCPServers map[string]ChildServerConfig `toml:"mcp_servers"`
}

// LoadChildrenConfig parses a children configuration file. JSON files carry
// the server map under "mcpServers"; TOML files under "mcp_servers". Every
// entry must declare a command.
func LoadChildrenConfig(path string) (map[string]ChildServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigFileError{Path: path, Err: err}
	}

	var servers map[string]ChildServerConfig
	switch {
	case strings.HasSuffix(path, ".json"):
		var doc jsonConfigDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &ConfigFileError{Path: path, Err: fmt.Errorf("parse JSON: %w", err)}
		}
		servers = doc.MCPServers
	case strings.HasSuffix(path, ".toml"):
		var doc tomlConfigDoc
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, &ConfigFileError{Path: path, Err: fmt.Errorf("parse TOML: %w", err)}
		}
		servers = doc.MCPServers
	default:
		return nil, &ConfigFileError{Path: path, Err: fmt.Errorf("config file must be .json or .toml")}
	}

	if servers == nil {
		return nil, &ConfigFileError{Path: path, Err: fmt.Errorf("missing \"mcpServers\" (JSON) or \"mcp_servers\" (TOML) key")}
	}
	for name, cfg := range servers {
		if cfg.Command == "" {
			return nil, &ConfigFileError{Path: path, Err: fmt.Errorf("child %q: command is required", name)}
		}
	}
	return servers, nil
}
