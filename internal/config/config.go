package config

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the merged configuration of one tbot run: tbot defaults,
// the selected lab, the selected board and command line overrides.
//
// Values are addressed with dotted keys ("lab.hostname", "uboot.patchdir").
// Each dot descends one level into a nested map.
type Config struct {
	values map[string]any
}

// New wraps an already merged value tree. A nil map yields an empty config.
func New(values map[string]any) *Config {
	if values == nil {
		values = map[string]any{}
	}
	return &Config{values: values}
}

// TryGet looks up a dotted key. The boolean is false when any path
// segment is missing or is not a map.
func (c *Config) TryGet(key string) (any, bool) {
	var cur any = c.values
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get looks up a dotted key and fails with a descriptive error when it is
// not present.
func (c *Config) Get(key string) (any, error) {
	v, ok := c.TryGet(key)
	if !ok {
		return nil, fmt.Errorf("config key %q is not set", key)
	}
	return v, nil
}

// GetString returns the value of key formatted as a string.
// Scalars (ints, bools) are converted; maps and lists are rejected.
func (c *Config) GetString(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	s, ok := scalarString(v)
	if !ok {
		return "", fmt.Errorf("config key %q is not a scalar (got %T)", key, v)
	}
	return s, nil
}

// StringOr returns the string value of key, or def when the key is unset
// or not a scalar.
func (c *Config) StringOr(key, def string) string {
	v, ok := c.TryGet(key)
	if !ok {
		return def
	}
	s, ok := scalarString(v)
	if !ok {
		return def
	}
	return s
}

// GetInt returns the integer value of key, or def when it is unset.
func (c *Config) GetInt(key string, def int) (int, error) {
	v, ok := c.TryGet(key)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("config key %q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("config key %q is not an integer (got %T)", key, v)
	}
}

// GetDuration returns the duration value of key, or def when it is unset.
// Numbers are interpreted as seconds; strings use time.ParseDuration syntax.
func (c *Config) GetDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.TryGet(key)
	if !ok || v == nil {
		return def, nil
	}
	d, err := toDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return d, nil
}

// Set assigns value to a dotted key, creating intermediate maps as needed.
// A non-map value in the way is replaced.
func (c *Config) Set(key string, value any) {
	parts := strings.Split(key, ".")
	cur := c.values
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Sub returns the map stored under prefix, or nil.
func (c *Config) Sub(prefix string) map[string]any {
	v, ok := c.TryGet(prefix)
	if !ok {
		return nil
	}
	m, _ := asMap(v)
	return m
}

// Values returns the underlying value tree.
func (c *Config) Values() map[string]any {
	return c.values
}

// Keys returns every leaf key in dotted form, sorted.
func (c *Config) Keys() []string {
	var keys []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			full := k
			if prefix != "" {
				full = prefix + "." + k
			}
			if sub, ok := asMap(v); ok && len(sub) > 0 {
				walk(full, sub)
				continue
			}
			keys = append(keys, full)
		}
	}
	walk("", c.values)
	sort.Strings(keys)
	return keys
}

// Workdir is the directory on the build host where tbot keeps checkouts
// and build trees.
func (c *Config) Workdir() string {
	return c.StringOr("lab.workdir", "/tmp/tbot")
}

// BoardName returns board.name.
func (c *Config) BoardName() string {
	return c.StringOr("board.name", "")
}

// UBootBuildDir is the U-Boot build tree for the selected board:
// <workdir>/u-boot-<board>.
func (c *Config) UBootBuildDir() string {
	return path.Join(c.Workdir(), "u-boot-"+c.BoardName())
}

// asMap accepts both map flavours produced by the YAML and JSON decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case int, int64, float64, bool:
		return fmt.Sprint(s), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(d)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	default:
		return 0, fmt.Errorf("cannot use %T as a duration", v)
	}
}
