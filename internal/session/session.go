// Package session owns the table of trace streams that make up one tracing
// session, drives their autoflush timer and exposes their diagnostics.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/tracestream/internal/tlstream"
	"github.com/jittakal/tracestream/pkg/packet"
)

// DefaultAutoflushInterval is the autoflush tick period.
const DefaultAutoflushInterval = time.Second

// Config holds the stream geometry shared by all streams of a session.
type Config struct {
	PacketSize        int
	PacketCount       int
	AutoflushInterval time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRegisterer registers per-stream diagnostics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.registerer = reg
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// Session is an explicit table of named streams sharing one ready-to-read
// signal.
type Session struct {
	id         string
	cfg        Config
	streams    [packet.KindCount]*tlstream.Stream
	signal     *Signal
	logger     *zap.Logger
	registerer prometheus.Registerer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session with one stream per packet kind. The summary
// stream is unnumbered, the others carry sequence numbers.
func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.AutoflushInterval <= 0 {
		cfg.AutoflushInterval = DefaultAutoflushInterval
	}

	s := &Session{
		id:     uuid.New().String(),
		cfg:    cfg,
		signal: NewSignal(),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, kind := range packet.Kinds() {
		st, err := tlstream.New(tlstream.Config{
			PacketSize:  cfg.PacketSize,
			PacketCount: cfg.PacketCount,
			Numbered:    kind.DefaultNumbered(),
			Descriptor:  kind.Descriptor(),
		}, s.signal)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s stream: %w", kind, err)
		}
		s.streams[kind] = st
	}

	if s.registerer != nil {
		s.registerMetrics()
	}

	s.logger.Info("Tracing session created",
		zap.String("sessionId", s.id),
		zap.Int("packetSize", s.streams[packet.KindObj].PacketSize()),
		zap.Int("packetCount", s.streams[packet.KindObj].PacketCount()),
		zap.Duration("autoflushInterval", cfg.AutoflushInterval),
	)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Signal returns the ready-to-read signal shared by all streams.
func (s *Session) Signal() *Signal {
	return s.signal
}

// Stream returns the stream of the given kind. It panics on an unknown kind.
func (s *Session) Stream(kind packet.Kind) *tlstream.Stream {
	if !kind.Valid() {
		panic(fmt.Sprintf("session: unknown stream kind %d", int(kind)))
	}
	return s.streams[kind]
}

// Streams returns all streams indexed by kind.
func (s *Session) Streams() []*tlstream.Stream {
	out := make([]*tlstream.Stream, 0, len(s.streams))
	out = append(out, s.streams[:]...)
	return out
}

// Tick advances the autoflush state of every stream and returns the number
// of streams that flushed.
func (s *Session) Tick() int {
	flushed := 0
	for _, st := range s.streams {
		if st.Tick() {
			flushed++
		}
	}
	return flushed
}

// Start runs the autoflush timer until ctx is done or the session is
// closed. It blocks.
func (s *Session) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AutoflushInterval)
	defer ticker.Stop()

	s.logger.Info("Autoflush timer started", zap.String("sessionId", s.id))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Autoflush timer stopped", zap.String("sessionId", s.id))
			return ctx.Err()
		case <-s.done:
			s.logger.Info("Autoflush timer stopped", zap.String("sessionId", s.id))
			return nil
		case <-ticker.C:
			if n := s.Tick(); n > 0 {
				s.logger.Debug("Autoflush finalized idle packets", zap.Int("streams", n))
			}
		}
	}
}

// FlushAll finalizes the active packet of every stream.
func (s *Session) FlushAll() int {
	flushed := 0
	for _, st := range s.streams {
		if st.Flush() {
			flushed++
		}
	}
	return flushed
}

// ResetAll discards all buffered data. It is meant for consumer teardown
// while no producer is active.
func (s *Session) ResetAll() {
	for _, st := range s.streams {
		st.Reset()
	}
	s.logger.Info("Tracing session reset", zap.String("sessionId", s.id))
}

// Close stops the autoflush timer and terminates every stream.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, st := range s.streams {
			st.Terminate()
		}
		s.logger.Info("Tracing session closed", zap.String("sessionId", s.id))
	})
	return nil
}

// Done is closed once Close was called.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
