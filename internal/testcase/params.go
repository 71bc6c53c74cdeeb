package testcase

import (
	"fmt"
	"strconv"

	"github.com/shinji-kodama/tbot/internal/machine"
)

// Then is a continuation handed to a testcase, e.g. the code toolchain_env
// runs while the toolchain is set up. It receives the machine the
// continuation should run on.
type Then func(m machine.Machine) error

// ThenKey is the parameter under which CallThen passes its continuation.
const ThenKey = "and_then"

// Params are the keyword arguments of a testcase call.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with key set to value.
func (p Params) With(key string, value any) Params {
	out := p.Clone()
	out[key] = value
	return out
}

// String returns p[key] formatted as a string, or def if it is unset.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns p[key] as a bool. Strings are parsed with strconv, so
// "-p clean=false" works from the command line.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns p[key] as an int, or def if it is unset or not a number.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Func returns the continuation stored under key, or nil.
func (p Params) Func(key string) Then {
	switch fn := p[key].(type) {
	case Then:
		return fn
	case func(machine.Machine) error:
		return fn
	}
	return nil
}
