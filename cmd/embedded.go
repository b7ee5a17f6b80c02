package main

import (
	"embed"
	"io/fs"
	"path"
	"strings"
)

//go:embed configs/*.yaml
var configsFS embed.FS

// defaultConfigName is the embedded config used when none is found on disk.
const defaultConfigName = "gateway"

// getEmbeddedConfig reads configs/<name>.yaml; the extension is optional.
func getEmbeddedConfig(name string) ([]byte, error) {
	return configsFS.ReadFile(path.Join("configs", strings.TrimSuffix(name, ".yaml")+".yaml"))
}

// listEmbeddedConfigs returns the bundled config names, sorted, without extension.
func listEmbeddedConfigs() ([]string, error) {
	matches, err := fs.Glob(configsFS, "configs/*.yaml")
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = strings.TrimSuffix(path.Base(m), ".yaml")
	}
	return names, nil
}
