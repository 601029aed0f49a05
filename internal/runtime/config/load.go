package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
)

//go:embed defaults.yaml
var defaultsYAML []byte

const envTag = "!ENV"

// Note is a message produced while loading, kept until logging is set up.
type Note struct {
	Level slog.Level
	Msg   string
	File  string
}

// Sources lists the files Load reads besides the configpath chain.
type Sources struct {
	// Defaults replaces the built-in defaults when set.
	Defaults string
	// Files are read after the configpath chain. They must exist.
	Files []string
}

// Load builds the configuration tree: defaults first, then each file named
// by configpath until one sets endconfig, then Sources.Files. Later files
// win on conflicts; nested mappings merge and lists are replaced.
func Load(src Sources) (tree.Map, []Note, error) {
	var notes []Note

	data := defaultsYAML
	name := "built-in defaults"
	if src.Defaults != "" {
		raw, err := os.ReadFile(src.Defaults)
		if err != nil {
			return nil, notes, errspkg.NewConfigValidationError("", "", fmt.Errorf("read defaults %q: %w", src.Defaults, err))
		}
		data, name = raw, src.Defaults
	}
	merged, err := Parse(data)
	if err != nil {
		return nil, notes, errspkg.NewConfigValidationError("", "", fmt.Errorf("parse %s: %w", name, err))
	}
	notes = append(notes, Note{Level: slog.LevelInfo, Msg: "Loaded defaults", File: name})

	if paths, ok := tree.AsList(merged["configpath"]); ok {
		notes = append(notes, Note{Level: slog.LevelDebug, Msg: fmt.Sprintf("Looking for configuration files: %v", paths)})
		for _, p := range paths {
			file := expandHome(tree.Key(p))
			layer, note := readOptional(file)
			notes = append(notes, note)
			if layer != nil {
				merged = tree.Merge(merged, layer)
			}
			if tree.Truthy(merged["endconfig"]) {
				notes = append(notes, Note{Level: slog.LevelDebug, Msg: "Found endconfig, not reading later configuration files", File: file})
				break
			}
		}
	}

	for _, file := range src.Files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, notes, errspkg.NewConfigValidationError("", "", fmt.Errorf("read %q: %w", file, err))
		}
		layer, err := Parse(raw)
		if err != nil {
			return nil, notes, errspkg.NewConfigValidationError("", "", fmt.Errorf("parse %q: %w", file, err))
		}
		merged = tree.Merge(merged, layer)
		notes = append(notes, Note{Level: slog.LevelInfo, Msg: "Loaded configuration", File: file})
	}

	return merged, notes, nil
}

// readOptional reads one configpath entry. Problems are reported as notes,
// never as errors: a broken optional file is skipped.
func readOptional(file string) (tree.Map, Note) {
	raw, err := os.ReadFile(file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, Note{Level: slog.LevelDebug, Msg: "Configuration file not found, skipping", File: file}
	case err != nil:
		if info, statErr := os.Stat(file); statErr == nil && info.IsDir() {
			return nil, Note{Level: slog.LevelError, Msg: "Configuration path is a directory rather than a file", File: file}
		}
		return nil, Note{Level: slog.LevelError, Msg: fmt.Sprintf("Could not read configuration file: %v", err), File: file}
	}

	layer, err := Parse(raw)
	if err != nil {
		return nil, Note{Level: slog.LevelError, Msg: fmt.Sprintf("Error parsing configuration file, skipping: %v", err), File: file}
	}
	if len(layer) == 0 {
		return nil, Note{Level: slog.LevelWarn, Msg: "Configuration file found but empty", File: file}
	}
	return layer, Note{Level: slog.LevelInfo, Msg: "Loaded configuration", File: file}
}

// Parse decodes one YAML document into a tree. Scalars tagged !ENV are
// replaced by the named environment variable, or null when it is unset. A
// sequence tagged !ENV names several variables; the first one set wins and
// the last entry is used literally as the fallback.
func Parse(data []byte) (tree.Map, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || doc.Kind == yaml.DocumentNode && len(doc.Content) == 0 {
		return tree.Map{}, nil
	}
	resolveEnv(&doc)

	var out any
	if err := doc.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return tree.Map{}, nil
	}
	m, ok := tree.AsMap(tree.Clone(out))
	if !ok {
		return nil, fmt.Errorf("top level must be a mapping, got %T", out)
	}
	return m, nil
}

func resolveEnv(node *yaml.Node) {
	if node.Tag == envTag {
		switch node.Kind {
		case yaml.ScalarNode:
			setEnvScalar(node, lookupEnv(strings.TrimSpace(node.Value)))
			return
		case yaml.SequenceNode:
			var value *string
			for i, item := range node.Content {
				if i == len(node.Content)-1 && i > 0 {
					if value == nil {
						v := item.Value
						value = &v
					}
					break
				}
				if value == nil {
					value = lookupEnv(strings.TrimSpace(item.Value))
				}
			}
			node.Content = nil
			node.Kind = yaml.ScalarNode
			setEnvScalar(node, value)
			return
		}
	}
	for _, child := range node.Content {
		resolveEnv(child)
	}
}

func lookupEnv(name string) *string {
	if v, ok := os.LookupEnv(name); ok {
		return &v
	}
	return nil
}

func setEnvScalar(node *yaml.Node, value *string) {
	node.Style = 0
	if value == nil {
		node.Tag = "!!null"
		node.Value = ""
		return
	}
	node.Tag = "!!str"
	node.Value = *value
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// vitals are the keys that must exist before the tree is decoded.
var vitals = []struct {
	section string
	keys    []string
}{
	{"mbta", []string{"api_key", "server", "endpoint", "include"}},
	{"mqtt", []string{"host", "port", "prefix", "keepalive"}},
	{"homeassistant", []string{"discovery_prefix", "node_id", "entity"}},
}

// CheckRequired reports every missing section or key. A key that is present
// with a null value, such as an unset !ENV, counts as present here and is
// caught by Validate.
func CheckRequired(t tree.Map) error {
	var errs []error
	for _, v := range vitals {
		raw, ok := t[v.section]
		if !ok {
			errs = append(errs, errspkg.NewConfigValidationError(v.section, "", errors.New("section is missing")))
			continue
		}
		section, ok := tree.AsMap(raw)
		if !ok {
			errs = append(errs, errspkg.NewConfigValidationError(v.section, "", errors.New("section is not a mapping")))
			continue
		}
		for _, key := range v.keys {
			if _, ok := section[key]; !ok {
				errs = append(errs, errspkg.NewConfigValidationError(v.section, key, errors.New("required key is missing")))
			}
		}
	}
	return errors.Join(errs...)
}
