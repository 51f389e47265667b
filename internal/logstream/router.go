package logstream

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrQueueFull signals reject-on-full backpressure: the caller asked to log
// faster than the consumer can persist. Callers should treat this as
// "system overloaded" and degrade rather than retry in a tight loop.
var ErrQueueFull = errors.New("logstream: queue full")

// ErrShutdown is returned for records enqueued after Shutdown began.
var ErrShutdown = errors.New("logstream: router shut down")

const (
	DefaultQueueSize   = 10000
	DefaultMaxFileSize = 100 * 1024 * 1024
	DefaultMaxBackups  = 7

	shutdownTimeout = 2 * time.Second
)

// Router owns the Run's category streams. Producers hand records to a
// bounded queue; a single consumer goroutine performs every disk write,
// preserving each producer's enqueue order within its category.
type Router struct {
	run     *Run
	queue   chan Record
	done    chan struct{}
	writers map[Category]*categoryWriter
	stopped atomic.Bool

	enqueued atomic.Int64
	written  atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// RouterOption adjusts Router construction.
type RouterOption func(*routerConfig)

type routerConfig struct {
	queueSize   int
	maxFileSize int64
	maxBackups  int
}

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) RouterOption {
	return func(c *routerConfig) { c.queueSize = n }
}

// WithMaxFileSize overrides the per-category rotation threshold in bytes.
func WithMaxFileSize(n int64) RouterOption {
	return func(c *routerConfig) { c.maxFileSize = n }
}

// WithMaxBackups overrides the bounded rotated-backup count per category.
func WithMaxBackups(n int) RouterOption {
	return func(c *routerConfig) { c.maxBackups = n }
}

// NewRouter opens a writer for every category of the run and starts the
// consumer. A failure to open any category file is a setup error the
// process cannot log its way out of; callers terminate on it.
func NewRouter(run *Run, opts ...RouterOption) (*Router, error) {
	rt, err := newRouter(run, opts...)
	if err != nil {
		return nil, err
	}
	go rt.consume()
	return rt, nil
}

// newRouter opens the writers without starting the consumer.
func newRouter(run *Run, opts ...RouterOption) (*Router, error) {
	cfg := routerConfig{
		queueSize:   DefaultQueueSize,
		maxFileSize: DefaultMaxFileSize,
		maxBackups:  DefaultMaxBackups,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	rt := &Router{
		run:     run,
		queue:   make(chan Record, cfg.queueSize),
		done:    make(chan struct{}),
		writers: make(map[Category]*categoryWriter, len(Categories)),
	}
	for _, cat := range Categories {
		w, err := openCategoryWriter(run.CategoryPath(cat), cfg.maxFileSize, cfg.maxBackups, enc)
		if err != nil {
			for _, open := range rt.writers {
				open.close()
			}
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		rt.writers[cat] = w
	}
	return rt, nil
}

// Run returns the session this router persists into.
func (rt *Router) Run() *Run {
	return rt.run
}

// Enqueue pushes a record onto the bounded queue. It never blocks: a full
// queue fails immediately with ErrQueueFull. A zero Time is stamped here so
// cross-producer interleaving stays roughly timestamp-ordered.
func (rt *Router) Enqueue(rec Record) error {
	if rt.stopped.Load() {
		return ErrShutdown
	}
	if _, ok := rt.writers[rec.Category]; !ok {
		return fmt.Errorf("logstream: unknown category %q", rec.Category)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	select {
	case rt.queue <- rec:
		rt.enqueued.Add(1)
		return nil
	default:
		rt.rejected.Add(1)
		return ErrQueueFull
	}
}

// consume is the single persistence loop. All disk writes happen here. A
// producer racing Shutdown can slip a record in behind the sentinel, so the
// sentinel triggers a drain rather than an immediate exit.
func (rt *Router) consume() {
	defer close(rt.done)
	for rec := range rt.queue {
		if rec.Category == categoryShutdown {
			rt.drain()
			return
		}
		rt.persist(rec)
	}
}

// drain persists everything currently buffered without blocking for more.
func (rt *Router) drain() {
	for {
		select {
		case rec := <-rt.queue:
			if rec.Category == categoryShutdown {
				continue
			}
			rt.persist(rec)
		default:
			return
		}
	}
}

func (rt *Router) persist(rec Record) {
	w := rt.writers[rec.Category]
	line, err := rec.line()
	if err != nil {
		rt.failed.Add(1)
		log.Printf("logstream: drop unencodable record: %v", err)
		return
	}
	if err := w.writeLine(line); err != nil {
		rt.failed.Add(1)
		log.Printf("logstream: write failed: %v", err)
		return
	}
	rt.written.Add(1)
}

// Shutdown sends the sentinel through the queue so every record accepted
// before the call is persisted first, then joins the consumer with a bounded
// timeout. A consumer that fails to stop is logged, not fatal.
func (rt *Router) Shutdown() error {
	if rt.stopped.Swap(true) {
		return nil
	}
	rt.queue <- Record{Category: categoryShutdown}

	select {
	case <-rt.done:
	case <-time.After(shutdownTimeout):
		log.Printf("logstream: consumer did not stop within %v", shutdownTimeout)
		return fmt.Errorf("logstream: consumer did not stop within %v", shutdownTimeout)
	}
	// The consumer has exited; sweep anything that arrived after its drain
	// so every accepted record is persisted before the writers close.
	rt.drain()

	var firstErr error
	for _, w := range rt.writers {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is the router's read-only health view.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	QueueCap   int   `json:"queue_cap"`
	Enqueued   int64 `json:"enqueued"`
	Written    int64 `json:"written"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
}

// Stats reports queue depth and lifetime counters.
func (rt *Router) Stats() Stats {
	return Stats{
		QueueDepth: len(rt.queue),
		QueueCap:   cap(rt.queue),
		Enqueued:   rt.enqueued.Load(),
		Written:    rt.written.Load(),
		Rejected:   rt.rejected.Load(),
		Failed:     rt.failed.Load(),
	}
}
