package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/tbot/internal/model"
)

// DefaultsFile is the optional file in the config directory that every
// lab and board inherits from.
const DefaultsFile = "tbot"

// extensions are tried in order when looking up a config file by name.
var extensions = []string{".yaml", ".yml", ".jsonc", ".json"}

// LoadOptions selects which configuration files make up a run.
type LoadOptions struct {
	// Dir is the config directory containing tbot.yaml, labs/ and boards/.
	Dir string

	// Lab is the lab name from the command line.
	Lab string

	// Board is the board name from the command line.
	Board string

	// Overrides are "-p key=value" pairs applied last, in order.
	Overrides []Override
}

// Override is one "key=value" setting from the command line.
type Override struct {
	Key   string
	Value string
}

// Load reads defaults, lab and board configuration, merges them in that
// order and applies the overrides. The result is validated before it is
// returned.
//
// Every failure is reported as a model.CLIError with ExitConfigError.
func Load(opts LoadOptions) (*Config, error) {
	for kind, name := range map[string]string{"lab": opts.Lab, "board": opts.Board} {
		if err := model.ValidateName(kind, name); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "invalid "+kind+" name", err)
		}
	}

	merged := map[string]any{}

	layers := []struct {
		path     string
		required bool
	}{
		{filepath.Join(opts.Dir, DefaultsFile), false},
		{filepath.Join(opts.Dir, "labs", opts.Lab), true},
		{filepath.Join(opts.Dir, "boards", opts.Board), true},
	}

	for _, layer := range layers {
		file, err := findFile(layer.path)
		if err != nil {
			if !layer.required && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("config file not found: %s.{yaml,yml,jsonc,json}", layer.path), err)
		}
		values, err := ReadFile(file)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to read config", err)
		}
		if err := mergo.Merge(&merged, values, mergo.WithOverride); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to merge %s", file), err)
		}
	}

	cfg := New(merged)
	if _, ok := cfg.TryGet("lab.name"); !ok {
		cfg.Set("lab.name", opts.Lab)
	}
	if _, ok := cfg.TryGet("board.name"); !ok {
		cfg.Set("board.name", opts.Board)
	}

	if err := ApplyOverrides(cfg, opts.Overrides); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid override", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

// ApplyOverrides sets each key to its value, parsed as a YAML scalar so
// that "-p build.jobs=8" yields an int and "-p lab.insecure_hostkey=true"
// a bool. Overrides apply in order: a later "uboot=x" replaces an earlier
// "uboot.patchdir=y" and vice versa.
func ApplyOverrides(cfg *Config, overrides []Override) error {
	for _, o := range overrides {
		if strings.TrimSpace(o.Key) == "" {
			return fmt.Errorf("empty key in override %q", o.Value)
		}
		var value any
		if err := yaml.Unmarshal([]byte(o.Value), &value); err != nil || value == nil {
			value = o.Value
		}
		cfg.Set(o.Key, normalize(value))
	}
	return nil
}

// ParseOverride splits "key=value". The value may itself contain '='.
func ParseOverride(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("invalid parameter %q: expected key=value", s)
	}
	return strings.TrimSpace(key), value, nil
}

// ReadFile parses a single YAML or JSONC file into a value tree.
// The format is chosen by extension; .json files are also run through
// the JSONC filter so comments and trailing commas are tolerated.
func ReadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var values map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if values == nil {
		values = map[string]any{}
	}
	out, _ := normalize(values).(map[string]any)
	return out, nil
}

// findFile resolves base + one of the known extensions.
func findFile(base string) (string, error) {
	for _, ext := range extensions {
		candidate := base + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", base, os.ErrNotExist)
}

// ListNames returns the lab or board names available in dir/sub.
func ListNames(dir, sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, sub))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range extensions {
			if ext == known {
				name := strings.TrimSuffix(e.Name(), ext)
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	return names, nil
}

// normalize converts map[any]any to map[string]any recursively so the
// rest of the package only deals with one map type.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
