// Package db persists task snapshots so status and history survive process
// restarts. Writes ride an async queue and never block the pipeline; reads are
// synchronous for the status and history endpoints.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

// ErrNotFound is returned when no row exists for the requested task.
var ErrNotFound = errors.New("task not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHistoryLimit = 10
	maxHistoryLimit     = 100

	writeTimeout = 5 * time.Second
	drainTimeout = 10 * time.Second
)

// Config holds persistence configuration.
type Config struct {
	Driver string `mapstructure:"driver"`
	// Path is the database file when Driver is sqlite.
	Path string `mapstructure:"path"`

	// PostgreSQL connection settings.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`

	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// DefaultConfig returns the local single-file setup.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "fathom.db",
		SSLMode:         "require",
		MaxConnections:  25,
		IdleConnections: 5,
		MaxLifetime:     5 * time.Minute,
		QueueSize:       256,
		Workers:         4,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.SSLMode == "" {
		c.SSLMode = def.SSLMode
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.IdleConnections <= 0 {
		c.IdleConnections = def.IdleConnections
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = def.MaxLifetime
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
}

func (c Config) dsn() (driver, dsn string, err error) {
	switch c.Driver {
	case DriverSQLite:
		return "sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_loc=UTC", c.Path), nil
	case DriverPostgres:
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		), nil
	default:
		return "", "", fmt.Errorf("unknown database driver %q", c.Driver)
	}
}

// Store owns the connection pool and the async write queue.
type Store struct {
	db      *sqlx.DB
	cfg     Config
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	closed bool
	writes chan *models.Task
	wg     sync.WaitGroup
}

// Open connects per the config, applies the schema, and starts the write
// workers.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.normalize()
	driver, dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxConnections)
	conn.SetMaxIdleConns(cfg.IdleConnections)
	conn.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewStore(conn, cfg, logger)
	if err := store.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Persistence store ready",
		zap.String("driver", cfg.Driver),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return store, nil
}

// NewStore wraps an existing connection. Open is the normal entry point; this
// exists so tests can inject a mock.
func NewStore(conn *sqlx.DB, cfg Config, logger *zap.Logger) *Store {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:      conn,
		cfg:     cfg,
		logger:  logger,
		breaker: circuitbreaker.New("db", "db", circuitbreaker.DatabaseConfig(), logger),
		writes:  make(chan *models.Task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	timestamp := "TIMESTAMP"
	if s.cfg.Driver == DriverPostgres {
		timestamp = "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			status TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			plan TEXT,
			evidence TEXT,
			report TEXT,
			token_usage TEXT,
			metadata TEXT,
			error TEXT,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL,
			completed_at %[1]s
		)`, timestamp),
		`CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveTask queues a snapshot for persistence. It never blocks: when the queue
// is full the write is dropped, which is safe because every snapshot carries
// the task's full state and the next one supersedes it.
func (s *Store) SaveTask(task *models.Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.DBWritesDropped.Inc()
		return
	}
	select {
	case s.writes <- task:
		metrics.DBWriteQueueDepth.Set(float64(len(s.writes)))
	default:
		metrics.DBWritesDropped.Inc()
		s.logger.Warn("Persistence queue full, dropping snapshot",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
		)
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for task := range s.writes {
		metrics.DBWriteQueueDepth.Set(float64(len(s.writes)))
		s.flush(task)
	}
}

func (s *Store) flush(task *models.Task) {
	rec, err := recordFromTask(task)
	if err != nil {
		metrics.DBWriteErrors.Inc()
		s.logger.Error("Failed to encode task snapshot",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.upsert(ctx, rec); err != nil {
		metrics.DBWriteErrors.Inc()
		s.logger.Error("Failed to persist task snapshot",
			zap.String("task_id", task.ID),
			zap.String("status", rec.Status),
			zap.Error(err),
		)
	}
}

const upsertTask = `
	INSERT INTO tasks (
		id, query, status, iteration, config, plan, evidence, report,
		token_usage, metadata, error, created_at, updated_at, completed_at
	) VALUES (
		:id, :query, :status, :iteration, :config, :plan, :evidence, :report,
		:token_usage, :metadata, :error, :created_at, :updated_at, :completed_at
	)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		iteration = excluded.iteration,
		config = excluded.config,
		plan = excluded.plan,
		evidence = excluded.evidence,
		report = excluded.report,
		token_usage = excluded.token_usage,
		metadata = excluded.metadata,
		error = excluded.error,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at`

func (s *Store) upsert(ctx context.Context, rec *TaskRecord) error {
	return s.breaker.Execute(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, upsertTask, rec)
		return err
	})
}

const selectTask = `
	SELECT id, query, status, iteration, config, plan, evidence, report,
		token_usage, metadata, error, created_at, updated_at, completed_at
	FROM tasks
	WHERE id = ?`

// Get loads one task snapshot. Returns ErrNotFound when the id is unknown.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var rec TaskRecord
	var missing bool
	err := s.breaker.Execute(ctx, func() error {
		err := s.db.GetContext(ctx, &rec, s.db.Rebind(selectTask), taskID)
		if errors.Is(err, sql.ErrNoRows) {
			// An absent row is an answer, not a database failure.
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if missing {
		return nil, ErrNotFound
	}
	return rec.Task()
}

const selectHistory = `
	SELECT id, query, status, iteration, config, plan, evidence, report,
		token_usage, metadata, error, created_at, updated_at, completed_at
	FROM tasks
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?`

// History returns task snapshots newest first. A non-positive limit falls back
// to the default and oversized limits are clamped.
func (s *Store) History(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var recs []TaskRecord
	err := s.breaker.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &recs, s.db.Rebind(selectHistory), limit, offset)
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	tasks := make([]*models.Task, 0, len(recs))
	for i := range recs {
		task, err := recs[i].Task()
		if err != nil {
			s.logger.Warn("Skipping undecodable task row",
				zap.String("task_id", recs[i].ID),
				zap.Error(err),
			)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ping reports connection health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains queued writes, stops the workers, and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("Timed out draining persistence queue")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	s.logger.Info("Persistence store closed")
	return nil
}
