package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/telemetry"
)

// joinConcurrency bounds the number of joins waiting for confirmation at once.
const joinConcurrency = 20

func (c *Controller) onConnect() {
	if c.connected.Swap(true) {
		c.log.Info("reconnected to twitch chat, resetting session state")
		c.channels.ResetSessions()
		c.tasks.CancelAll()
	} else {
		c.log.Info("connected to twitch chat")
	}
	c.spawn(func() {
		// channels still on the client's join list are re-joined by the client itself
		c.joinMu.Lock()
		names := make([]string, 0)
		for _, ch := range c.channels.Joinable() {
			if !c.requested[ch.Name()] {
				names = append(names, ch.Name())
			}
		}
		c.joinMu.Unlock()
		c.JoinAll(c.ctx, names)
	})
}

// Join requests membership in a channel and waits for the server to confirm
// it. Failures other than bans are kept for the rejoin sweep.
func (c *Controller) Join(ctx context.Context, name string) error {
	name = channel.Normalize(name)
	if ch := c.channels.Get(name); ch != nil && ch.Session().Joined {
		c.joinMu.Lock()
		held := c.requested[name]
		c.joinMu.Unlock()
		if held {
			return nil
		}
	}

	wait := make(chan error, 1)
	c.joinMu.Lock()
	pending := len(c.joinWaiters[name]) > 0
	held := c.requested[name]
	c.joinWaiters[name] = append(c.joinWaiters[name], wait)
	c.requested[name] = true
	c.joinMu.Unlock()

	switch {
	case pending:
		// a JOIN is already on the wire, share its answer
	case held:
		c.transport.Depart(name)
		c.transport.Join(name)
	default:
		c.transport.Join(name)
	}

	timeout := c.platform.JoinTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-wait:
	case <-timer.C:
		c.dropJoinWaiter(name, wait)
		err = &TransportError{Kind: JoinFailed, Channel: name, Err: ErrJoinTimeout}
	case <-ctx.Done():
		c.dropJoinWaiter(name, wait)
		return ctx.Err()
	}
	if err != nil {
		c.forget(name)
		if !IsKind(err, Banned) {
			c.markFailed(name)
		}
		telemetry.IncTransportError(JoinFailed.String())
		return fmt.Errorf("join %s: %w", name, err)
	}
	return nil
}

// forget drops a channel from the client's join list so the next Join sends
// a fresh JOIN and a reconnect does not retry it on its own.
func (c *Controller) forget(name string) {
	c.joinMu.Lock()
	held := c.requested[name]
	delete(c.requested, name)
	c.joinMu.Unlock()
	if held {
		c.transport.Depart(name)
	}
}

func (c *Controller) dropJoinWaiter(name string, wait chan error) {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	list := c.joinWaiters[name]
	for i, w := range list {
		if w == wait {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.joinWaiters, name)
	} else {
		c.joinWaiters[name] = list
	}
}

// resolveJoin answers every pending Join of a channel.
func (c *Controller) resolveJoin(name string, err error) {
	c.joinMu.Lock()
	list := c.joinWaiters[name]
	delete(c.joinWaiters, name)
	c.joinMu.Unlock()
	for _, w := range list {
		w <- err
	}
}

// Part leaves a channel. Membership is updated when the server confirms.
func (c *Controller) Part(name string) error {
	name = channel.Normalize(name)
	c.joinMu.Lock()
	delete(c.requested, name)
	c.joinMu.Unlock()
	c.transport.Depart(name)
	return nil
}

// JoinAll joins channels concurrently and returns how many failed. One
// failure does not stop the others.
func (c *Controller) JoinAll(ctx context.Context, names []string) int {
	var g errgroup.Group
	g.SetLimit(joinConcurrency)
	failed := make([]bool, len(names))
	for i, name := range names {
		g.Go(func() error {
			if err := c.Join(ctx, name); err != nil {
				failed[i] = true
				c.log.Warn("join failed", slog.String("channel", name), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	if len(names) > 0 {
		c.log.Info("joined channels", slog.Int("requested", len(names)), slog.Int("failed", n))
	}
	return n
}

func (c *Controller) markFailed(name string) {
	c.joinMu.Lock()
	c.failedJoins[name] = true
	n := len(c.failedJoins)
	c.joinMu.Unlock()
	telemetry.SetFailedJoins(n)
}

func (c *Controller) clearFailed(name string) {
	c.joinMu.Lock()
	delete(c.failedJoins, name)
	n := len(c.failedJoins)
	c.joinMu.Unlock()
	telemetry.SetFailedJoins(n)
}

// FailedJoins lists the channels waiting for the rejoin sweep, sorted.
func (c *Controller) FailedJoins() []string {
	c.joinMu.Lock()
	out := make([]string, 0, len(c.failedJoins))
	for name := range c.failedJoins {
		out = append(out, name)
	}
	c.joinMu.Unlock()
	sort.Strings(out)
	return out
}

// RejoinFailed retries every channel that failed to join. Channels joined in
// the meantime, no longer known or now Inactive are dropped from the set
// without a join attempt. It returns the number of attempts and failures.
func (c *Controller) RejoinFailed(ctx context.Context) (attempted, failed int) {
	ctx, span := telemetry.StartSpan(ctx, "chat.rejoin_sweep")
	defer func() { telemetry.EndSpan(span, nil) }()

	var todo []string
	for _, name := range c.FailedJoins() {
		ch := c.channels.Get(name)
		if ch == nil || ch.Mode() == channel.Inactive || ch.Session().Joined {
			c.clearFailed(name)
			telemetry.IncRejoin("skipped")
			continue
		}
		c.clearFailed(name)
		todo = append(todo, name)
	}
	if len(todo) == 0 {
		return 0, 0
	}
	failed = c.JoinAll(ctx, todo)
	for i := 0; i < len(todo)-failed; i++ {
		telemetry.IncRejoin("ok")
	}
	for i := 0; i < failed; i++ {
		telemetry.IncRejoin("failed")
	}
	c.log.Info("rejoin sweep finished", slog.Int("attempted", len(todo)), slog.Int("failed", failed))
	return len(todo), failed
}

func (c *Controller) handleSelfJoin(channelName string) {
	name := channel.Normalize(channelName)
	c.joinMu.Lock()
	c.requested[name] = true
	c.joinMu.Unlock()
	c.resolveJoin(name, nil)
	c.clearFailed(name)
	ch := c.channels.Get(name)
	if ch == nil {
		return
	}
	ch.SetJoined(true)

	if !c.platform.AnnouncesTo(name) {
		return
	}
	c.joinMu.Lock()
	done := c.announced[name]
	c.announced[name] = true
	c.joinMu.Unlock()
	if !done {
		if err := c.Send(ch, c.platform.ReconnectAnnouncement.Message); err != nil {
			c.log.Warn("announcement failed", slog.String("channel", name), slog.Any("err", err))
		}
	}
}

func (c *Controller) handleSelfPart(channelName string) {
	if ch := c.channels.Get(channelName); ch != nil {
		ch.SetJoined(false)
	}
}
