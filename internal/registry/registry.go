// Package registry resolves workflow references to runnable workflows.
//
// A reference is either the name of a workflow registered in code, an alias
// defined in the registry file, or an http(s) URL of a remote workflow whose
// prefix the registry file lists as trusted.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/petrijr/durable/internal/remote"
	"github.com/petrijr/durable/pkg/api"
)

// maxAliasDepth bounds alias chains so cycles fail instead of looping.
const maxAliasDepth = 8

// Executable is a resolved workflow plus the resources it holds.
type Executable struct {
	Ref      string
	Workflow api.Workflow
	dispose  func()
}

// Dispose releases resources held by the executable.
func (e *Executable) Dispose() {
	if e != nil && e.dispose != nil {
		e.dispose()
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithFile makes the registry load trusted prefixes, aliases and schemas
// from a YAML file, refreshed while the registry runs.
func WithFile(path string) Option {
	return func(r *Registry) { r.file = path }
}

// WithHTTPClient sets the client remote workflows are reached with.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithRefreshSpec sets the cron spec of the periodic file refresh.
func WithRefreshSpec(spec string) Option {
	return func(r *Registry) { r.refreshSpec = spec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry owns the workflows and activities known to the engine.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.Workflow
	activities map[string]api.Activity
	trusted    []string
	aliases    map[string]string
	schemas    map[string]*gojsonschema.Schema

	file        string
	refreshSpec string
	client      *http.Client
	logger      *slog.Logger

	cron    *cron.Cron
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workflows:   make(map[string]api.Workflow),
		activities:  make(map[string]api.Activity),
		aliases:     make(map[string]string),
		schemas:     make(map[string]*gojsonschema.Schema),
		refreshSpec: "@every 1m",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("module", "registry"))
	return r
}

// RegisterWorkflow makes wf available under name.
func (r *Registry) RegisterWorkflow(name string, wf api.Workflow) error {
	if name == "" {
		return errors.New("workflow name is required")
	}
	if wf == nil {
		return fmt.Errorf("workflow %q has no body", name)
	}
	if isRemote(name) {
		return fmt.Errorf("workflow name %q must not be a URL", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow already registered: %s", name)
	}
	r.workflows[name] = wf
	return nil
}

// RegisterActivity makes fn callable under name.
func (r *Registry) RegisterActivity(name string, fn api.Activity) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has no function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = fn
	return nil
}

// Activity returns the activity registered under name.
func (r *Registry) Activity(name string) (api.Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

// Canonical follows aliases and returns the reference they end at.
func (r *Registry) Canonical(ref string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonical(ref)
}

func (r *Registry) canonical(ref string) (string, error) {
	for i := 0; i < maxAliasDepth; i++ {
		target, ok := r.aliases[ref]
		if !ok {
			return ref, nil
		}
		ref = target
	}
	return "", fmt.Errorf("%w: alias chain for %q is too deep", api.ErrWorkflowNotFound, ref)
}

// Resolve returns the executable behind ref. The caller must Dispose it.
func (r *Registry) Resolve(ref string) (*Executable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, err := r.canonical(ref)
	if err != nil {
		return nil, err
	}

	if isRemote(target) {
		if !r.isTrusted(target) {
			return nil, fmt.Errorf("%w: %s", api.ErrUntrustedWorkflow, target)
		}
		opts := []remote.Option{remote.WithLogger(r.logger)}
		if r.client != nil {
			opts = append(opts, remote.WithHTTPClient(r.client))
		}
		rt := remote.New(target, opts...)
		return &Executable{Ref: target, Workflow: rt.Workflow(), dispose: rt.Close}, nil
	}

	wf, ok := r.workflows[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, ref)
	}
	return &Executable{Ref: target, Workflow: wf}, nil
}

func (r *Registry) isTrusted(url string) bool {
	for _, prefix := range r.trusted {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// ValidateInput checks input against the schema registered for ref, or for
// the reference its aliases lead to. References without a schema accept
// any input.
func (r *Registry) ValidateInput(ref string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[ref]
	if !ok {
		if target, err := r.canonical(ref); err == nil {
			schema, ok = r.schemas[target]
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	doc := input
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", api.ErrInvalidInput, strings.Join(msgs, "; "))
	}
	return nil
}

// Apply replaces trusted prefixes, aliases and schemas with those of f.
func (r *Registry) Apply(f *File) error {
	schemas := make(map[string]*gojsonschema.Schema, len(f.Schemas))
	for ref, doc := range f.Schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return fmt.Errorf("schema for %q: %w", ref, err)
		}
		schemas[ref] = schema
	}
	aliases := make(map[string]string, len(f.Aliases))
	for k, v := range f.Aliases {
		aliases[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.trusted = append([]string(nil), f.Trusted...)
	r.aliases = aliases
	r.schemas = schemas
	return nil
}

// Reload reads the registry file again. Without a file it does nothing.
func (r *Registry) Reload() error {
	if r.file == "" {
		return nil
	}
	f, err := LoadFile(r.file)
	if err != nil {
		return err
	}
	if err := r.Apply(f); err != nil {
		return err
	}
	r.logger.Debug("registry reloaded",
		slog.String("file", r.file),
		slog.Int("aliases", len(f.Aliases)),
		slog.Int("trusted", len(f.Trusted)),
	)
	return nil
}

// Start loads the registry file and keeps it fresh: periodically on the
// refresh schedule, and immediately when the file changes. Stop ends both.
func (r *Registry) Start(ctx context.Context) error {
	if r.file == "" {
		return nil
	}
	if err := r.Reload(); err != nil {
		return err
	}

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := r.cron.AddFunc(r.refreshSpec, r.refresh); err != nil {
		return fmt.Errorf("invalid refresh schedule: %w", err)
	}
	r.cron.Start()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.cron.Stop()
		return err
	}
	// Editors replace files by renaming, so watch the directory.
	if err := w.Add(filepath.Dir(r.file)); err != nil {
		r.cron.Stop()
		_ = w.Close()
		return err
	}
	r.watcher = w
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.watch(ctx)

	r.logger.Info("registry started", slog.String("file", r.file), slog.String("refresh", r.refreshSpec))
	return nil
}

func (r *Registry) refresh() {
	if err := r.Reload(); err != nil {
		r.logger.Error("registry refresh failed", slog.Any("error", err))
	}
}

func (r *Registry) watch(ctx context.Context) {
	defer r.wg.Done()
	name := filepath.Clean(r.file)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.refresh()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("registry watcher error", slog.Any("error", err))
		}
	}
}

// Stop ends the refresh started by Start.
func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.watcher != nil {
		close(r.done)
		_ = r.watcher.Close()
		r.wg.Wait()
		r.watcher = nil
	}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
