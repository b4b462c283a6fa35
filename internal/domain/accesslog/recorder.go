package accesslog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

var (
	ErrQueueFull      = errors.New("audit queue full")
	ErrRecorderClosed = errors.New("audit recorder closed")
)

// Sink accepts entries for asynchronous recording. *Recorder implements it.
type Sink interface {
	Enqueue(in RecordInput)
}

type RecorderConfig struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	BaseDelay  time.Duration
	// WriteTimeout bounds each store attempt.
	WriteTimeout time.Duration
	// DeadLetterTimeout bounds each dead letter write.
	DeadLetterTimeout time.Duration
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:         1024,
		Workers:           4,
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		DeadLetterTimeout: 500 * time.Millisecond,
	}
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	d := DefaultRecorderConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DeadLetterTimeout <= 0 {
		c.DeadLetterTimeout = d.DeadLetterTimeout
	}
	return c
}

// RecorderStats are cumulative counters since start.
type RecorderStats struct {
	Enqueued     int64 `json:"enqueued"`
	Written      int64 `json:"written"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
	Dropped      int64 `json:"dropped"`
}

// Recorder writes access log entries in the background. Enqueue never
// blocks on the store; each entry is retried with doubling backoff and
// handed to the dead letter once retries are exhausted or the queue is full.
type Recorder struct {
	store  Store
	dead   DeadLetter
	cfg    RecorderConfig
	logger zerolog.Logger
	sleep  func(time.Duration)

	queue  chan RecordInput
	mu     sync.RWMutex
	closed bool

	enqueued     atomic.Int64
	written      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64
}

func NewRecorder(store Store, dead DeadLetter, cfg RecorderConfig, logger zerolog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "audit_recorder").Logger()
	if dead == nil {
		dead = NewLogDeadLetter(logger)
	}
	return &Recorder{
		store:  store,
		dead:   dead,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
		queue:  make(chan RecordInput, cfg.QueueSize),
	}
}

func (r *Recorder) Enqueue(in RecordInput) {
	if in.AccessedAt.IsZero() {
		in.AccessedAt = time.Now().UTC()
	}
	if err := r.offer(in); err != nil {
		r.deadLetter(in, err)
	}
}

func (r *Recorder) offer(in RecordInput) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- in:
		r.enqueued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done. It then stops
// accepting entries and returns once the queue has drained.
func (r *Recorder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range r.queue {
				r.write(in)
			}
		}()
	}
	r.logger.Info().Int("workers", r.cfg.Workers).Int("queue_size", r.cfg.QueueSize).Msg("audit recorder started")

	<-ctx.Done()
	r.Close()
	wg.Wait()

	st := r.Stats()
	r.logger.Info().
		Int64("written", st.Written).
		Int64("dead_lettered", st.DeadLettered).
		Int64("dropped", st.Dropped).
		Msg("audit recorder drained")
	return nil
}

// Close stops accepting entries. Queued entries are still written by Run.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.queue)
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Enqueued:     r.enqueued.Load(),
		Written:      r.written.Load(),
		Retried:      r.retried.Load(),
		DeadLettered: r.deadLettered.Load(),
		Dropped:      r.dropped.Load(),
	}
}

func (r *Recorder) write(in RecordInput) {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retried.Add(1)
			r.sleep(r.cfg.BaseDelay << (attempt - 1))
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		_, err = r.store.Record(ctx, in)
		cancel()
		if err == nil {
			r.written.Add(1)
			return
		}
		if apperr.IsKind(err, apperr.KindValidation) {
			r.dropped.Add(1)
			logEntry(r.logger.Error(), in).Err(err).Msg("dropping invalid access log entry")
			return
		}
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("access log write failed")
	}
	r.deadLetter(in, err)
}

func (r *Recorder) deadLetter(in RecordInput, cause error) {
	r.deadLettered.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeadLetterTimeout)
	defer cancel()
	if err := r.dead.Put(ctx, in, cause); err != nil {
		logEntry(r.logger.Error(), in).Err(err).AnErr("cause", cause).Msg("access log entry lost")
	}
}
