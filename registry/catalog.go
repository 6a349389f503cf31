package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Catalog is the serializable form of a registry.
//
//	agents:
//	  - id: security_analyst
//	    name: Security Analyst
//	    capabilities: [security, vulnerability_analysis]
//	    preferred_model: claude-sonnet-4
//	    system_prompt: You are {{.agent}} ...
//	defaults:
//	  security_scan: [security_analyst, recon_specialist]
type Catalog struct {
	Agents   []core.AgentDefinition `yaml:"agents" json:"agents"`
	Defaults map[string][]string    `yaml:"defaults" json:"defaults"`
}

// Validate checks agent definitions and that every default references a
// defined agent.
func (c *Catalog) Validate() error {
	if c == nil {
		return errors.New("catalog is nil")
	}

	ids := make(map[string]bool, len(c.Agents))

	var errs []error

	for _, def := range c.Agents {
		if err := validateAgent(def); err != nil {
			errs = append(errs, err)
			continue
		}

		if ids[def.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id %q", def.ID))
		}

		ids[def.ID] = true
	}

	for typ, agents := range c.Defaults {
		if len(agents) == 0 {
			errs = append(errs, fmt.Errorf("task type %s: default agent set is empty", typ))
		}

		for _, id := range agents {
			if !ids[id] {
				errs = append(errs, fmt.Errorf("task type %s: unknown agent %q", typ, id))
			}
		}
	}

	return errors.Join(errs...)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	return &c, nil
}

// LoadCatalog reads and decodes a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	return ParseCatalog(data)
}

// Marshal encodes the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Watcher reloads a registry whenever its catalog file changes.
type Watcher struct {
	path    string
	reg     *Registry
	watcher *fsnotify.Watcher
	logger  logging.Logger
	reloads atomic.Int64
	done    chan struct{}
}

// WatchCatalog watches path and replaces the registry's catalog on every
// write. The directory is watched so editors that rename-on-save are
// handled. Invalid files are logged and ignored; the previous catalog stays
// active. The watcher stops when ctx is done or Close is called.
func WatchCatalog(ctx context.Context, path string, reg *Registry, logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		reg:     reg,
		watcher: fw,
		logger:  logging.Component(logger, "catalog-watcher"),
		done:    make(chan struct{}),
	}

	go w.run(ctx)

	return w, nil
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done

	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Editors often emit several events per save.
	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(50*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warn("Catalog watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	c, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Warn("Catalog reload failed, keeping previous catalog", "path", w.path, "error", err)
		return
	}

	if err := w.reg.Replace(c); err != nil {
		w.logger.Warn("Catalog rejected", "path", w.path, "error", err)
		return
	}

	w.reloads.Add(1)
	w.logger.Info("Catalog reloaded", "path", w.path, "agents", len(c.Agents))
}
