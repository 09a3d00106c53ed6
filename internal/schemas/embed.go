// Package schemas ships the built-in schema presets compiled into the
// binary. Presets loaded from the presets directory override these by
// id.
package schemas

import (
	"embed"
	"io/fs"
)

//go:embed presets/*.toml presets/*.yaml
var presetFS embed.FS

// PresetFiles returns the embedded preset definitions keyed by file
// name (extension included).
func PresetFiles() (map[string][]byte, error) {
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(presetFS, "presets/"+entry.Name())
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = raw
	}
	return files, nil
}
