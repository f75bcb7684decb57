// Package generator produces a synthetic tracing workload. Workers emit
// object lifecycle events into the obj stream, job submissions and
// descriptor strings into the aux stream, and one session summary into the
// obj_summary stream.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/jaswdr/faker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jittakal/tracestream/internal/session"
	"github.com/jittakal/tracestream/internal/tracepoint"
	"github.com/jittakal/tracestream/pkg/packet"
)

// Tracepoint ids.
const (
	EventSessionSummary uint32 = iota + 1
	EventObjectCreate
	EventObjectDestroy
	EventJobSubmit
	EventJobComplete
	EventDescriptor
)

// EventName returns the metric label for a tracepoint id.
func EventName(id uint32) string {
	switch id {
	case EventSessionSummary:
		return "session_summary"
	case EventObjectCreate:
		return "object_create"
	case EventObjectDestroy:
		return "object_destroy"
	case EventJobSubmit:
		return "job_submit"
	case EventJobComplete:
		return "job_complete"
	case EventDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("event_%d", id)
	}
}

// StreamOf returns the stream a tracepoint id is written to.
func StreamOf(id uint32) packet.Kind {
	switch id {
	case EventSessionSummary:
		return packet.KindObjSummary
	case EventObjectCreate, EventObjectDestroy:
		return packet.KindObj
	default:
		return packet.KindAux
	}
}

// Per-worker bounds on live objects and open jobs. Past them create and
// submit turn into destroy and complete.
const (
	maxLiveObjects = 256
	maxOpenJobs    = 256
)

// MetricsCollector defines metrics operations for the generator.
type MetricsCollector interface {
	IncEventsGenerated(stream, event string)
}

// Config configures the workload.
type Config struct {
	Interval  time.Duration
	Workers   int
	BurstSize int
}

// Generator emits tracepoints into a session.
type Generator struct {
	sess    *session.Session
	config  Config
	logger  *zap.Logger
	metrics MetricsCollector
	writers [packet.KindCount]*tracepoint.Writer
}

// New creates a generator. Every stream gets its own writer sharing one
// monotonic clock.
func New(sess *session.Session, config Config, logger *zap.Logger, metrics MetricsCollector) *Generator {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}

	g := &Generator{
		sess:    sess,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	clock := tracepoint.MonotonicClock()
	for _, kind := range packet.Kinds() {
		g.writers[kind] = tracepoint.NewWriter(sess.Stream(kind), clock)
	}
	return g
}

// Run writes the session summary and then runs the workers until ctx is
// cancelled.
func (g *Generator) Run(ctx context.Context) error {
	if err := g.EmitSummary(); err != nil {
		return err
	}

	g.logger.Info("Generator started",
		zap.Int("workers", g.config.Workers),
		zap.Int("burstSize", g.config.BurstSize),
		zap.Duration("interval", g.config.Interval),
	)

	eg, ctx := errgroup.WithContext(ctx)
	for i := range g.config.Workers {
		w := g.newWorker(i)
		eg.Go(func() error {
			return w.run(ctx)
		})
	}

	err := eg.Wait()
	g.logger.Info("Generator stopped")
	return err
}

// EmitSummary writes the session summary record.
func (g *Generator) EmitSummary() error {
	f := faker.New()

	payload := tracepoint.AppendString(nil, g.sess.ID())
	payload = tracepoint.AppendString(payload, f.Internet().Domain())
	payload = tracepoint.AppendUint64(payload, uint64(g.config.Workers))
	payload = tracepoint.AppendUint64(payload, uint64(time.Now().UnixNano()))

	return g.emit(EventSessionSummary, payload)
}

func (g *Generator) emit(id uint32, payload []byte) error {
	kind := StreamOf(id)
	if err := g.writers[kind].Emit(id, payload); err != nil {
		return fmt.Errorf("failed to emit %s: %w", EventName(id), err)
	}
	if g.metrics != nil {
		g.metrics.IncEventsGenerated(kind.String(), EventName(id))
	}
	return nil
}

// worker owns its faker and the objects and jobs it has started, so
// destroy and complete events always refer to an earlier create or submit.
type worker struct {
	id      int
	gen     *Generator
	faker   faker.Faker
	objects []uint64
	jobs    []uint64
	next    uint64
}

func (g *Generator) newWorker(id int) *worker {
	return &worker{
		id:    id,
		gen:   g,
		faker: faker.New(),
		next:  uint64(id) << 48,
	}
}

func (w *worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.gen.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for range w.gen.config.BurstSize {
				if err := w.step(); err != nil {
					w.gen.logger.Warn("Failed to emit tracepoint",
						zap.Int("worker", w.id),
						zap.Error(err),
					)
				}
			}
		}
	}
}

func (w *worker) step() error {
	switch w.pick() {
	case EventObjectCreate:
		return w.createObject()
	case EventObjectDestroy:
		return w.destroyObject()
	case EventJobSubmit:
		return w.submitJob()
	case EventJobComplete:
		return w.completeJob()
	default:
		return w.gen.emit(EventDescriptor, tracepoint.AppendString(nil, w.faker.File().FilenameWithExtension()))
	}
}

// pick chooses the next event: 35% create, 25% destroy, 15% submit,
// 15% complete, 10% descriptor.
func (w *worker) pick() uint32 {
	events := []uint32{EventObjectCreate, EventObjectDestroy, EventJobSubmit, EventJobComplete, EventDescriptor}
	weights := []int{35, 25, 15, 15, 10}

	rand := w.faker.IntBetween(1, 100)
	cumulative := 0

	for i, weight := range weights {
		cumulative += weight
		if rand <= cumulative {
			return events[i]
		}
	}

	return events[0]
}

func (w *worker) createObject() error {
	if len(w.objects) >= maxLiveObjects {
		return w.destroyObject()
	}
	w.next++
	id := w.next

	payload := tracepoint.AppendUint64(nil, id)
	payload = tracepoint.AppendString(payload, w.faker.Lorem().Word())
	payload = tracepoint.AppendUint64(payload, uint64(w.faker.IntBetween(64, 1<<20)))

	if err := w.gen.emit(EventObjectCreate, payload); err != nil {
		return err
	}
	w.objects = append(w.objects, id)
	return nil
}

func (w *worker) destroyObject() error {
	if len(w.objects) == 0 {
		return w.createObject()
	}

	i := w.faker.IntBetween(0, len(w.objects)-1)
	id := w.objects[i]

	if err := w.gen.emit(EventObjectDestroy, tracepoint.AppendUint64(nil, id)); err != nil {
		return err
	}
	w.objects[i] = w.objects[len(w.objects)-1]
	w.objects = w.objects[:len(w.objects)-1]
	return nil
}

func (w *worker) submitJob() error {
	if len(w.jobs) >= maxOpenJobs {
		return w.completeJob()
	}
	w.next++
	id := w.next

	payload := tracepoint.AppendUint64(nil, id)
	payload = tracepoint.AppendString(payload, w.faker.Person().Name())
	payload = tracepoint.AppendString(payload, w.faker.Lorem().Sentence(3))

	if err := w.gen.emit(EventJobSubmit, payload); err != nil {
		return err
	}
	w.jobs = append(w.jobs, id)
	return nil
}

func (w *worker) completeJob() error {
	if len(w.jobs) == 0 {
		return w.submitJob()
	}

	id := w.jobs[0]
	payload := tracepoint.AppendUint64(nil, id)
	payload = tracepoint.AppendUint64(payload, uint64(w.faker.IntBetween(1, 5000)))

	if err := w.gen.emit(EventJobComplete, payload); err != nil {
		return err
	}
	w.jobs = w.jobs[1:]
	return nil
}
