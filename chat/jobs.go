package chat

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/streamcache"
	"github.com/NotNotQuinn/supibot/telemetry"
	"github.com/NotNotQuinn/supibot/twitchapi"
)

const (
	rejoinInterval   = time.Hour
	livenessInterval = time.Minute
	// livenessMaxDefer spreads the first poll after a restart.
	livenessMaxDefer = 30 * time.Second
)

// StartJobs launches the rejoin sweep and, if enabled, the liveness poll.
// Both stop when ctx is done.
func (c *Controller) StartJobs(ctx context.Context) {
	go c.runEvery(ctx, "rejoin_sweep", rejoinInterval, rejoinInterval, func(ctx context.Context) error {
		c.RejoinFailed(ctx)
		return nil
	})
	if !c.platform.TrackChannelsLiveStatus || c.api == nil || c.streams == nil {
		c.log.Info("liveness poll disabled")
		return
	}
	//nolint:gosec // G404: scheduling jitter only
	initial := time.Duration(rand.Int63n(int64(livenessMaxDefer)))
	go c.runEvery(ctx, "liveness_poll", livenessInterval, initial, c.PollLiveness)
}

// runEvery waits initial, then runs fn every interval until ctx is done.
func (c *Controller) runEvery(ctx context.Context, job string, interval, initial time.Duration, fn func(context.Context) error) {
	lg := c.log.With(slog.String("job", job))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initial):
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lg.Info("job started", slog.Duration("interval", interval))
	for {
		start := time.Now()
		if err := fn(ctx); err != nil {
			lg.Warn("job run failed", slog.Any("err", err))
		}
		telemetry.ObserveJob(job, time.Since(start))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollLiveness fetches the live status of every channel with a known Twitch
// id in batches, raises online/offline events on change and stores the
// refreshed state. Channels of a failed batch keep their previous state.
func (c *Controller) PollLiveness(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.poll_liveness")
	defer func() { telemetry.EndSpan(span, err) }()

	var tracked []*channel.Channel
	for _, ch := range c.channels.All() {
		if ch.SpecificID() != "" && ch.Mode() != channel.Inactive {
			tracked = append(tracked, ch)
		}
	}
	if len(tracked) == 0 {
		return nil
	}

	var batches [][]*channel.Channel
	for start := 0; start < len(tracked); start += twitchapi.StreamsBatchSize {
		end := min(start+twitchapi.StreamsBatchSize, len(tracked))
		batches = append(batches, tracked[start:end])
	}

	results := make([][]twitchapi.Stream, len(batches))
	ok := make([]bool, len(batches))
	var g errgroup.Group
	for i, batch := range batches {
		g.Go(func() error {
			ids := make([]string, len(batch))
			for j, ch := range batch {
				ids[j] = ch.SpecificID()
			}
			streams, err := c.api.GetStreams(ctx, ids)
			if err != nil {
				c.log.Warn("stream batch failed", slog.Int("batch", i), slog.Int("channels", len(ids)), slog.Any("err", err))
				return nil
			}
			results[i] = streams
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	updates := make(map[string]streamcache.Data)
	now := time.Now().UTC()
	for i, batch := range batches {
		if !ok[i] {
			continue
		}
		live := make(map[string]twitchapi.Stream, len(results[i]))
		for _, s := range results[i] {
			live[s.ChannelID] = s
		}
		for _, ch := range batch {
			name := ch.Name()
			prev, err := c.streams.Get(name)
			if err != nil {
				c.log.Warn("read stream cache failed", slog.String("channel", name), slog.Any("err", err))
			}
			next := streamcache.Data{UpdatedAt: now}
			if s, isLive := live[ch.SpecificID()]; isLive {
				next = streamcache.Data{Live: true, Game: s.Game, Title: s.Title, Viewers: s.Viewers, StartedAt: s.CreatedAt, UpdatedAt: now}
			}
			switch {
			case !prev.Live && next.Live:
				telemetry.IncStreamTransition("online")
				c.bus.Emit(events.OnlineEvent{ChannelName: name, Stream: events.StreamInfo{
					Game: next.Game, Title: next.Title, Viewers: next.Viewers, Since: next.StartedAt,
				}})
			case prev.Live && !next.Live:
				telemetry.IncStreamTransition("offline")
				c.bus.Emit(events.OfflineEvent{ChannelName: name})
			}
			updates[name] = next
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return c.streams.PutAll(updates)
}
