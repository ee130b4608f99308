// Package templates loads task templates from a directory of TOML files and
// keeps them current while the files change.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

var (
	// ErrInvalidTOML indicates a template file that does not parse.
	ErrInvalidTOML = errors.New("invalid template TOML")

	// ErrTemplateNotFound indicates an unknown template id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrDuplicateTemplate indicates two files declaring the same id.
	ErrDuplicateTemplate = errors.New("duplicate template id")
)

// Extension is the suffix of template files.
const Extension = ".toml"

// reloadDelay coalesces bursts of filesystem events into one reload.
const reloadDelay = 100 * time.Millisecond

// Catalog holds the templates of one directory.
type Catalog struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]task.Template
	sources   map[string]string

	onReload func(error)
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l.Named("templates")
		}
	}
}

// WithOnReload registers a callback run after every reload triggered by
// Watch. err is nil when the reload succeeded.
func WithOnReload(fn func(err error)) Option {
	return func(c *Catalog) { c.onReload = fn }
}

// Load reads every *.toml file in dir. Any invalid file fails the load.
func Load(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseFile decodes and validates a single template file.
func ParseFile(path string) (task.Template, error) {
	var tmpl task.Template
	md, err := toml.DecodeFile(path, &tmpl)
	if err != nil {
		return task.Template{}, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return task.Template{}, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidTOML, path, strings.Join(keys, ", "))
	}
	if err := tmpl.Validate(); err != nil {
		return task.Template{}, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}

// Reload re-reads the directory. The previous templates stay in place when
// any file fails.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read template dir %s: %w", c.dir, err)
	}

	templates := make(map[string]task.Template)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		tmpl, err := ParseFile(path)
		if err != nil {
			return err
		}
		if prev, ok := sources[tmpl.ID]; ok {
			return fmt.Errorf("%w: %q in %s and %s", ErrDuplicateTemplate, tmpl.ID, prev, path)
		}
		templates[tmpl.ID] = tmpl
		sources[tmpl.ID] = path
	}

	c.mu.Lock()
	c.templates = templates
	c.sources = sources
	c.mu.Unlock()

	c.logger.Info("templates loaded", zap.String("dir", c.dir), zap.Int("count", len(templates)))
	return nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (task.Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tmpl, ok := c.templates[id]
	if !ok {
		return task.Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	return tmpl, nil
}

// List returns all templates ordered by id.
func (c *Catalog) List() []task.Template {
	c.mu.RLock()
	out := make([]task.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog whenever a template file in the directory
// changes. It blocks until ctx is done. A failed reload is logged and keeps
// the previous templates.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != Extension || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := c.Reload()
			if err != nil {
				c.logger.Warn("template reload failed, keeping previous templates", zap.Error(err))
			}
			if c.onReload != nil {
				c.onReload(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}
