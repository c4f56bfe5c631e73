package db

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatLogEntry is one chat message queued for the chat log.
type ChatLogEntry struct {
	MessageID string
	ChannelID int64
	UserID    int64
	Username  string
	Text      string
	Bits      int
	SentAt    time.Time
}

// ChatLogConfig tunes the chat log batcher.
type ChatLogConfig struct {
	MaxBatch      int
	FlushEvery    time.Duration
	ChanBuffer    int
	StatsLogEvery time.Duration
	FlushTimeout  time.Duration
}

func (c *ChatLogConfig) applyDefaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 2 * time.Second
	}
	if c.ChanBuffer <= 0 {
		c.ChanBuffer = c.MaxBatch * 10
	}
	if c.StatsLogEvery <= 0 {
		c.StatsLogEvery = 5 * time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ChatLog writes chat messages asynchronously with pgx batches. Enqueue never
// blocks; messages are dropped when the buffer is full.
type ChatLog struct {
	input   chan ChatLogEntry
	config  ChatLogConfig
	sender  batchSender
	log     *slog.Logger
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewChatLog starts a batcher writing through pool until ctx is cancelled.
func NewChatLog(ctx context.Context, pool *pgxpool.Pool, cfg ChatLogConfig, log *slog.Logger) *ChatLog {
	return newChatLog(ctx, pool, cfg, log)
}

func newChatLog(ctx context.Context, sender batchSender, cfg ChatLogConfig, log *slog.Logger) *ChatLog {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &ChatLog{
		input:  make(chan ChatLogEntry, cfg.ChanBuffer),
		config: cfg,
		sender: sender,
		log:    log.With(slog.String("component", "chat_log")),
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Enqueue adds a message to the pending batch; false means it was dropped.
func (c *ChatLog) Enqueue(e ChatLogEntry) bool {
	select {
	case c.input <- e:
		return true
	default:
		dropped := c.dropped.Add(1)
		if dropped%100 == 1 {
			c.log.Warn("chat log buffer full, dropping messages", slog.Uint64("dropped_total", dropped))
		}
		return false
	}
}

// Dropped returns how many messages were dropped because the buffer was full.
func (c *ChatLog) Dropped() uint64 { return c.dropped.Load() }

// Done is closed after the final flush.
func (c *ChatLog) Done() <-chan struct{} { return c.done }

const insertChatMessage = `
insert into chat_messages (message_id, channel_id, user_id, username, text, bits, sent_at)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (message_id) do nothing;`

func (c *ChatLog) run(ctx context.Context) {
	defer close(c.done)
	flushTicker := time.NewTicker(c.config.FlushEvery)
	statsTicker := time.NewTicker(c.config.StatsLogEvery)
	defer flushTicker.Stop()
	defer statsTicker.Stop()

	var (
		batch            = &pgx.Batch{}
		pending          = 0
		totalInserted    uint64
		intervalInserted uint64
	)

	flush := func() {
		if pending == 0 {
			return
		}
		dbCtx, cancel := context.WithTimeout(context.Background(), c.config.FlushTimeout)
		defer cancel()

		br := c.sender.SendBatch(dbCtx, batch)
		if err := br.Close(); err != nil {
			c.log.Error("chat log flush failed", slog.Int("rows", pending), slog.Any("err", err))
		} else {
			totalInserted += uint64(pending)
			intervalInserted += uint64(pending)
		}
		batch = &pgx.Batch{}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			// drain what is already buffered
			for {
				select {
				case e := <-c.input:
					queueEntry(batch, e)
					pending++
				default:
					flush()
					c.log.Info("chat log stopped", slog.Uint64("inserted_total", totalInserted))
					return
				}
			}
		case <-flushTicker.C:
			flush()
		case <-statsTicker.C:
			c.log.Debug("chat log stats",
				slog.Uint64("inserted", intervalInserted),
				slog.Duration("interval", c.config.StatsLogEvery),
				slog.Uint64("inserted_total", totalInserted))
			intervalInserted = 0
		case e := <-c.input:
			queueEntry(batch, e)
			pending++
			if pending >= c.config.MaxBatch {
				flush()
			}
		}
	}
}

func queueEntry(batch *pgx.Batch, e ChatLogEntry) {
	var messageID *string
	if e.MessageID != "" {
		messageID = &e.MessageID
	}
	var userID *int64
	if e.UserID != 0 {
		userID = &e.UserID
	}
	batch.Queue(insertChatMessage, messageID, e.ChannelID, userID, e.Username, e.Text, e.Bits, e.SentAt.UTC())
}
