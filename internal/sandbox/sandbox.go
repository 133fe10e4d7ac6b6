// Package sandbox runs model-generated Go helper code in a yaegi
// interpreter. Interpreting instead of compiling keeps execution inside the
// process: no toolchain, no binaries, no dependency resolution. The
// interpreter sees a stdlib whitelist plus an injected host package that
// carries the recursive-ask hooks.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"quorum/internal/logging"
)

// AskFunc is the blocking recursive hook injected as host.Ask. It runs a
// depth+1 pipeline invocation and blocks until the answer is ready.
type AskFunc func(query string) (string, error)

// DeferFunc is the non-blocking fallback injected as host.AskDeferred. It
// returns a placeholder token; the host patches the answer in afterward.
type DeferFunc func(query string) string

// Executor interprets sandboxed query code.
type Executor struct {
	allowed map[string]bool
	timeout time.Duration
}

// New returns an executor with the default whitelist.
func New(timeout time.Duration) *Executor {
	return &Executor{
		timeout: timeout,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/csv":    true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"host":            true,

			// Blocked: os, os/exec, net, net/http, syscall, unsafe,
			// io/ioutil, path/filepath. The sandbox answers questions
			// over text it was handed; it has no business elsewhere.
		},
	}
}

// Run evaluates code that must define
//
//	func RunQuery(input string) (string, error)
//
// and calls it with input. ask and askDeferred become host.Ask and
// host.AskDeferred inside the interpreter; either may be nil, in which case
// the corresponding hook reports itself unavailable.
func (e *Executor) Run(ctx context.Context, code, input string, ask AskFunc, askDeferred DeferFunc) (string, error) {
	if err := e.validateImports(code); err != nil {
		return "", fmt.Errorf("invalid imports: %w", err)
	}

	if ask == nil {
		ask = func(string) (string, error) {
			return "", fmt.Errorf("recursive ask unavailable in this context")
		}
	}
	if askDeferred == nil {
		askDeferred = func(string) string { return "" }
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("failed to load stdlib: %w", err)
	}
	err := i.Use(interp.Exports{
		"host/host": {
			"Ask":         reflect.ValueOf(ask),
			"AskDeferred": reflect.ValueOf(askDeferred),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to inject host symbols: %w", err)
	}

	if _, err := i.Eval(e.wrapCode(code)); err != nil {
		return "", fmt.Errorf("code evaluation failed: %w", err)
	}

	v, err := i.Eval("main.RunQuery")
	if err != nil {
		return "", fmt.Errorf("RunQuery function not found: %w", err)
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("RunQuery has incorrect signature (expected: func(string) (string, error))")
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resultChan := make(chan string, 1)
	errChan := make(chan error, 1)
	go func() {
		result, err := run(input)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return "", err
	case <-runCtx.Done():
		logging.Sandbox("interpreted code timed out")
		return "", fmt.Errorf("sandbox execution timed out: %w", runCtx.Err())
	}
}

// validateImports rejects code importing anything off the whitelist.
func (e *Executor) validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if pkg == "" {
			continue
		}
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func (e *Executor) wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
