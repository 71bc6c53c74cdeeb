package testcase

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shinji-kodama/tbot/internal/model"
)

// Func is the body of a testcase. The result is returned to the caller of
// TB.Call; most testcases return nil.
type Func func(tb *TB, p Params) (any, error)

// Testcase is a registered testcase.
type Testcase struct {
	Name string
	Doc  string
	Fn   Func
}

// Registry maps testcase names to testcases.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]Testcase
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{cases: make(map[string]Testcase)}
}

// Register adds a testcase. Registration happens at program start, so a
// duplicate or invalid name is a programming error and panics.
func (r *Registry) Register(name, doc string, fn Func) {
	if err := model.ValidateName("testcase", name); err != nil {
		panic(err)
	}
	if fn == nil {
		panic(fmt.Sprintf("testcase %s: nil function", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cases[name]; dup {
		panic(fmt.Sprintf("testcase %s registered twice", name))
	}
	r.cases[name] = Testcase{Name: name, Doc: doc, Fn: fn}
}

// Lookup returns the testcase called name. An unknown name is a CLIError
// with ExitTestcaseNotFound.
func (r *Registry) Lookup(name string) (Testcase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.cases[name]
	if !ok {
		return Testcase{}, model.NewCLIError(model.ExitTestcaseNotFound, fmt.Sprintf("testcase %q not found", name))
	}
	return tc, nil
}

// List returns all testcases sorted by name.
func (r *Registry) List() []Testcase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Testcase, 0, len(r.cases))
	for _, tc := range r.cases {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
