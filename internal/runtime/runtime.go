// Package runtime assembles the recall service from configuration: the
// durable store behind its processor chain, the vector index, the
// retrievers and the HTTP server that exposes them.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/recall/internal/archive"
	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/memory/postgres"
	"github.com/szaher/recall/internal/memory/sqlite"
	"github.com/szaher/recall/internal/plugins"
	"github.com/szaher/recall/internal/retriever"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/vector"
)

// syncMessageLimit bounds how many messages per conversation an index
// sync replays.
const syncMessageLimit = 10000

// Service owns the shared resources behind every entry point: the store
// decorated with processors, the vector index and the retrievers.
// Resources open lazily and exactly once; concurrent first callers wait
// on the same open and later callers reuse the handles.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	chat     llm.Client

	group singleflight.Group

	mu          sync.Mutex
	opened      bool
	store       memory.Store
	backend     memory.Store
	index       *vector.Index
	retriever   *retriever.Retriever
	supervisor  *retriever.Supervisor
	broadcaster *Broadcaster
	host        *plugins.Host
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChatClient overrides the chat client used by the summarizer,
// mainly so tests can script responses.
func WithChatClient(c llm.Client) Option {
	return func(s *Service) { s.chat = c }
}

// NewService creates an unopened service for cfg. Nothing talks to the
// store backend until Open or the first accessor call.
func NewService(cfg *config.Config, opts ...Option) *Service {
	registry := prometheus.NewRegistry()
	s := &Service{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: registry,
		metrics:  telemetry.NewMetrics(registry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the service metric set.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// Registry returns the Prometheus registry backing /metrics.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Open opens the store backend and assembles the index, processors and
// retrievers. Safe for concurrent use: the first caller does the work,
// a failed open can be retried by the next caller.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		return nil
	}

	_, err, _ := s.group.Do("open", func() (any, error) {
		s.mu.Lock()
		if s.opened {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()
		return nil, s.assemble(ctx)
	})
	return err
}

func (s *Service) assemble(ctx context.Context) error {
	backend, err := s.openBackend(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	index := vector.NewIndex(s.newEmbedder(),
		vector.WithLogger(s.logger),
		vector.WithMetrics(s.metrics),
	)

	broadcaster := NewBroadcaster()
	streamProc, err := memory.Filtered(broadcaster.Processor(), `op == "timeline.add"`)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("timeline stream processor: %w", err)
	}
	procs := []memory.Processor{streamProc}

	if s.cfg.Summarizer.Enabled {
		client := s.chat
		if client == nil {
			if s.cfg.Summarizer.APIKey != "" {
				client = llm.NewAnthropicClientWithKey(s.cfg.Summarizer.APIKey)
			} else {
				client = llm.NewAnthropicClient()
			}
		}
		procs = append(procs, memory.NewSummarizer(backend, client, s.cfg.Summarizer.Model, s.cfg.Summarizer.Threshold))
	}

	var host *plugins.Host
	if s.cfg.Plugins.Dir != "" {
		host, err = plugins.NewHost(ctx)
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("plugin host: %w", err)
		}
		loaded, err := host.LoadDir(ctx, s.cfg.Plugins.Dir)
		if err != nil {
			_ = host.Close(ctx)
			_ = backend.Close()
			return fmt.Errorf("load plugins: %w", err)
		}
		for _, p := range loaded {
			s.logger.Info("plugin loaded", "name", p.Manifest.Name, "version", p.Manifest.Version, "events", p.Manifest.Events)
		}
		procs = append(procs, plugins.Processors(host)...)
	}

	store := memory.WithProcessors(backend, s.logger, procs,
		memory.WithFailureHook(s.metrics.RecordProcessorFailure),
		memory.WithOpHook(s.metrics.RecordStoreOp))

	retr := retriever.New(store, index,
		retriever.WithLogger(s.logger),
		retriever.WithMetrics(s.metrics),
		retriever.WithTopK(s.cfg.Retriever.TopK),
		retriever.WithRecentWindow(s.cfg.Retriever.RecentWindow),
	)

	s.mu.Lock()
	s.backend = backend
	s.store = store
	s.index = index
	s.retriever = retr
	s.supervisor = retriever.NewSupervisor(retr, s.cfg.Retriever.SubAgents)
	s.broadcaster = broadcaster
	s.host = host
	s.opened = true
	s.mu.Unlock()

	s.logger.Info("service opened",
		"store", s.cfg.Store.Backend,
		"embedder", s.cfg.Embedder.Provider,
		"processors", len(procs),
	)
	return nil
}

func (s *Service) openBackend(ctx context.Context) (memory.Store, error) {
	switch s.cfg.Store.Backend {
	case "memory":
		return memory.NewInMemory(), nil
	case "sqlite":
		return sqlite.Open(s.cfg.Store.Path)
	case "postgres":
		return postgres.Open(ctx, s.cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.cfg.Store.Backend)
	}
}

func (s *Service) newEmbedder() vector.Embedder {
	if s.cfg.Embedder.Provider == "openai" {
		var opts []vector.OpenAIOption
		if s.cfg.Embedder.BaseURL != "" {
			opts = append(opts, vector.WithBaseURL(s.cfg.Embedder.BaseURL))
		}
		if s.cfg.Embedder.Dimensions > 0 {
			opts = append(opts, vector.WithDimensions(s.cfg.Embedder.Dimensions))
		}
		return vector.NewOpenAIEmbedder(s.cfg.Embedder.APIKey, s.cfg.Embedder.Model, opts...)
	}
	return vector.NewHashEmbedder(s.cfg.Embedder.Dimensions)
}

// Store returns the processor-decorated conversation store, opening the
// service if needed.
func (s *Service) Store(ctx context.Context) (memory.Store, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store, nil
}

// Index returns the vector index, opening the service if needed.
func (s *Service) Index(ctx context.Context) (*vector.Index, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index, nil
}

// Retriever returns the context retriever, opening the service if needed.
func (s *Service) Retriever(ctx context.Context) (*retriever.Retriever, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retriever, nil
}

// Supervisor returns the supervisor aggregator, opening the service if
// needed.
func (s *Service) Supervisor(ctx context.Context) (*retriever.Supervisor, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervisor, nil
}

// Broadcaster returns the timeline mutation broadcaster, opening the
// service if needed.
func (s *Service) Broadcaster(ctx context.Context) (*Broadcaster, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcaster, nil
}

// Exporter builds the archive exporter named by the configuration, or
// nil when archiving is not configured.
func (s *Service) Exporter(ctx context.Context) (archive.Exporter, error) {
	switch s.cfg.Archive.Backend {
	case "":
		return nil, nil
	case "dir":
		return archive.NewDirExporter(s.cfg.Archive.Dir), nil
	case "s3":
		exp, err := archive.OpenS3Exporter(ctx, s.cfg.Archive.Bucket, s.cfg.Archive.Prefix)
		if err != nil {
			return nil, fmt.Errorf("archive exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", s.cfg.Archive.Backend)
	}
}

// SyncVectorIndex replays stored conversation messages through the
// vector index so existing threads become searchable. An empty
// resourceID syncs every conversation. Returns the number of messages
// indexed.
func (s *Service) SyncVectorIndex(ctx context.Context, resourceID string) (int, error) {
	store, err := s.Store(ctx)
	if err != nil {
		return 0, err
	}
	index, err := s.Index(ctx)
	if err != nil {
		return 0, err
	}

	var convs []*memory.Conversation
	if resourceID == "" {
		convs, err = store.ListConversations(ctx)
	} else {
		convs, err = store.GetConversations(ctx, resourceID)
	}
	if err != nil {
		return 0, fmt.Errorf("sync index: %w", err)
	}

	indexed := 0
	for _, conv := range convs {
		msgs, err := memory.RecentContext(ctx, store, conv.ID, syncMessageLimit)
		if err != nil {
			return indexed, fmt.Errorf("sync conversation %s: %w", conv.ID, err)
		}
		for _, msg := range msgs {
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			if err := index.Add(ctx, msg.ID, msg.Content, string(msg.Role)); err != nil {
				return indexed, fmt.Errorf("sync conversation %s: %w", conv.ID, err)
			}
			indexed++
		}
	}

	s.logger.Info("vector index synced", "resource_id", resourceID, "messages", indexed)
	return indexed, nil
}

// Close releases the store backend and the plugin host. The service can
// be reopened afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}

	var firstErr error
	if err := s.backend.Close(); err != nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	if s.host != nil {
		if err := s.host.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close plugins: %w", err)
		}
	}

	s.opened = false
	s.store = nil
	s.backend = nil
	s.index = nil
	s.retriever = nil
	s.supervisor = nil
	s.broadcaster = nil
	s.host = nil
	return firstErr
}
