package converter

import (
	"log/slog"
	"sync"
	"time"
)

// ModelContext is the set of engines a worker process converts with. It is
// read-only once built.
type ModelContext struct {
	Engines  []Engine
	LoadedAt time.Time
}

// Engine returns the first engine accepting info.
func (m *ModelContext) Engine(info StreamInfo) (Engine, bool) {
	for _, e := range m.Engines {
		if e.Accepts(info) {
			return e, true
		}
	}
	return nil, false
}

// Loader builds the model context on first use and hands out the same
// instance afterwards.
type Loader struct {
	once  sync.Once
	build func() (*ModelContext, error)
	mc    *ModelContext
	err   error
}

func NewLoader(build func() (*ModelContext, error)) *Loader {
	return &Loader{build: build}
}

// NewDefaultLoader returns a loader for the built-in engines.
func NewDefaultLoader(logger *slog.Logger, extractImages bool) *Loader {
	return NewLoader(func() (*ModelContext, error) {
		start := time.Now()
		mc := &ModelContext{
			Engines:  []Engine{NewPDFEngine(logger, extractImages)},
			LoadedAt: time.Now(),
		}
		if logger != nil {
			logger.Info("model context loaded", "engines", len(mc.Engines), "took", time.Since(start))
		}
		return mc, nil
	})
}

// Load returns the shared context. A failed build is not retried.
func (l *Loader) Load() (*ModelContext, error) {
	l.once.Do(func() {
		l.mc, l.err = l.build()
	})
	return l.mc, l.err
}
