// Package inference serves predictions from a cached model and explains
// them.
package inference

import (
	"errors"
	"io"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/metrics"
	"github.com/Brownie44l1/pneumo-api/internal/model"
)

// Opener loads the model stored at path.
type Opener func(path string) (model.Model, error)

// FileOpener opens weights files written by the trainer.
func FileOpener(opts model.OpenOptions) Opener {
	return func(path string) (model.Model, error) {
		net, _, err := model.Open(path, opts)
		if err != nil {
			return nil, err
		}
		return net, nil
	}
}

// Cache holds one loaded model per weights path for the life of the
// process. A path that cannot be loaded is cached as the fallback mock, so
// the file is read at most once until Invalidate is called.
type Cache struct {
	open     Opener
	fallback model.Model
	logger   *zap.Logger

	mu      sync.Mutex
	models  map[string]*entry
	retired []*entry
}

// entry counts the callers holding a model through Acquire.
type entry struct {
	m       model.Model
	refs    int
	retired bool
}

// NewCache returns an empty cache.
func NewCache(open Opener, fallback model.Model, logger *zap.Logger) *Cache {
	return &Cache{
		open:     open,
		fallback: fallback,
		logger:   logger,
		models:   make(map[string]*entry),
	}
}

// Load returns the cached model for path, loading it on first use. It never
// fails: a missing or corrupt file yields the fallback mock. The model may be
// closed once path is invalidated; callers that keep using it across a
// reload must use Acquire.
func (c *Cache) Load(path string) model.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(path).m
}

// Acquire is Load for callers that use the model while it may be
// invalidated. The model stays open until release is called.
func (c *Cache) Acquire(path string) (m model.Model, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.load(path)
	e.refs++
	var once sync.Once
	return e.m, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.refs--
			if e.retired && e.refs == 0 {
				c.release(e)
			}
		})
	}
}

func (c *Cache) load(path string) *entry {
	if e, ok := c.models[path]; ok {
		return e
	}

	m, err := c.open(path)
	if err != nil {
		metrics.RecordLoadFailure()
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("no trained weights found, using mock predictor", zap.String("path", path))
		} else {
			c.logger.Warn("failed to load model, using mock predictor", zap.String("path", path), zap.Error(err))
		}
		m = c.fallback
	} else {
		c.logger.Info("model loaded",
			zap.String("path", path),
			zap.String("arch", string(m.Config().Arch)),
		)
	}

	e := &entry{m: m}
	c.models[path] = e
	return e
}

// Invalidate drops the cached model for path so the next Load reads the file
// again. The dropped model is closed as soon as no Acquire holds it.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.models[path]
	if !ok {
		return
	}
	delete(c.models, path)
	e.retired = true
	if e.refs == 0 {
		c.release(e)
		return
	}
	c.retired = append(c.retired, e)
}

// release closes e's model and forgets it. c.mu must be held.
func (c *Cache) release(e *entry) {
	c.retired = slices.DeleteFunc(c.retired, func(r *entry) bool { return r == e })
	if err := c.closeModel(e.m); err != nil {
		c.logger.Warn("failed to close retired model", zap.Error(err))
	}
}

func (c *Cache) closeModel(m model.Model) error {
	if closer, ok := m.(io.Closer); ok && m != c.fallback {
		return closer.Close()
	}
	return nil
}

// Retired reports how many invalidated models are still held by callers.
func (c *Cache) Retired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retired)
}

// Close releases every model the cache still holds, including retired ones
// that were never released.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for path, e := range c.models {
		errs = append(errs, c.closeModel(e.m))
		delete(c.models, path)
	}
	for _, e := range c.retired {
		errs = append(errs, c.closeModel(e.m))
	}
	c.retired = nil
	return errors.Join(errs...)
}
