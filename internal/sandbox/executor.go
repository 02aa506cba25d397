package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/user/agentfs/internal/types"
)

// EntryPoint is the function agent code must define in package main.
const EntryPoint = "Run"

// allowedPackages are the standard library packages agent code may import.
// Nothing here reaches the host filesystem, network or processes.
var allowedPackages = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"path":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"text/template":   true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// Packages lists the importable standard library packages.
func Packages() []string {
	out := make([]string, 0, len(allowedPackages))
	for p := range allowedPackages {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var symbols = func() interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i < 0 || !allowedPackages[key[:i]] {
			continue
		}
		out[key] = syms
	}
	return out
}()

// Executor runs agent code with the yaegi interpreter. Code is a Go
// package main that imports "agentfs" and defines:
//
//	func Run() error
//
// The agentfs package exposes ReadFile, WriteFile, ListDir, Search and
// Submit. A run that returns without calling Submit fails.
type Executor struct {
	logger *slog.Logger
}

var _ types.Executor = (*Executor)(nil)

func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With("component", "sandbox")}
}

// recorder observes the capability calls the executor cares about.
type recorder struct {
	types.Capabilities

	mu       sync.Mutex
	summary  *string
	exceeded bool
}

func (r *recorder) WriteFile(path string, data []byte) error {
	err := r.Capabilities.WriteFile(path, data)
	if errors.Is(err, types.ErrResourceLimit) {
		r.mu.Lock()
		r.exceeded = true
		r.mu.Unlock()
	}
	return err
}

func (r *recorder) SubmitResult(summary string) error {
	if err := r.Capabilities.SubmitResult(summary); err != nil {
		return err
	}
	r.mu.Lock()
	r.summary = &summary
	r.mu.Unlock()
	return nil
}

func (r *recorder) overLimit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exceeded
}

// Entry is a directory entry as seen by agent code.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

func exports(r *recorder) interp.Exports {
	listDir := func(path string) ([]Entry, error) {
		entries, err := r.ListDir(path)
		if err != nil {
			return nil, err
		}
		out := make([]Entry, len(entries))
		for i, e := range entries {
			out[i] = Entry{Name: e.Name, IsDir: e.Kind == types.KindDir, Size: e.Size}
		}
		return out, nil
	}
	return interp.Exports{
		"agentfs/agentfs": {
			"Entry":     reflect.ValueOf((*Entry)(nil)),
			"ReadFile":  reflect.ValueOf(r.ReadFile),
			"WriteFile": reflect.ValueOf(r.WriteFile),
			"ListDir":   reflect.ValueOf(listDir),
			"Search":    reflect.ValueOf(r.Search),
			"Submit":    reflect.ValueOf(r.SubmitResult),
		},
	}
}

// Run interprets code against caps. Failures are ExecutionErrors whose
// kind is ErrTimeout, ErrResourceLimit or ErrRuntime.
func (e *Executor) Run(ctx context.Context, code string, caps types.Capabilities, limits types.Limits) (*types.Submission, error) {
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	rec := &recorder{Capabilities: caps}
	var out bytes.Buffer
	output := &capped{buf: &out, max: outputLimit(limits)}
	i := interp.New(interp.Options{Stdout: output, Stderr: output})
	if err := i.Use(symbols); err != nil {
		return nil, &types.ExecutionError{Kind: types.ErrRuntime, Err: fmt.Errorf("load symbols: %w", err)}
	}
	if err := i.Use(exports(rec)); err != nil {
		return nil, &types.ExecutionError{Kind: types.ErrRuntime, Err: fmt.Errorf("load agentfs: %w", err)}
	}

	start := time.Now()
	if _, err := i.EvalWithContext(ctx, code); err != nil {
		return nil, e.classify(ctx, rec, output, fmt.Errorf("compile: %w", err))
	}
	res, err := i.EvalWithContext(ctx, EntryPoint+"()")
	if err != nil {
		return nil, e.classify(ctx, rec, output, err)
	}
	if runErr := resultError(res); runErr != nil {
		return nil, e.classify(ctx, rec, output, runErr)
	}
	if rec.overLimit() || output.overflowed() {
		return nil, e.classify(ctx, rec, output, errors.New("run completed over its limits"))
	}

	rec.mu.Lock()
	summary := rec.summary
	rec.mu.Unlock()
	if summary == nil {
		return nil, &types.ExecutionError{Kind: types.ErrRuntime, Err: errors.New("agent returned without submitting a result")}
	}
	e.logger.Debug("agent code finished", "elapsed", time.Since(start).Round(time.Millisecond), "output_bytes", out.Len())
	return &types.Submission{Summary: *summary, CreatedAt: time.Now()}, nil
}

func (e *Executor) classify(ctx context.Context, rec *recorder, output *capped, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &types.ExecutionError{Kind: types.ErrTimeout, Err: err}
	case rec.overLimit() || output.overflowed():
		return &types.ExecutionError{Kind: types.ErrResourceLimit, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &types.ExecutionError{Kind: types.ErrRuntime, Err: err}
	}
}

// resultError extracts the error returned by the entry point, if any.
func resultError(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
	}
	if err, ok := v.Interface().(error); ok {
		return err
	}
	return nil
}

func outputLimit(limits types.Limits) int {
	const defaultLimit = 1 << 20
	if limits.MemoryBytes > 0 && limits.MemoryBytes < defaultLimit {
		return int(limits.MemoryBytes)
	}
	return defaultLimit
}

// capped buffers interpreter output up to max bytes.
type capped struct {
	mu       sync.Mutex
	buf      *bytes.Buffer
	max      int
	overflow bool
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len()+len(p) > c.max {
		c.overflow = true
		return 0, errors.New("output limit exceeded")
	}
	return c.buf.Write(p)
}

func (c *capped) overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflow
}
