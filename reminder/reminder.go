// Package reminder keeps the active reminders in memory and delivers them,
// either when the recipient next speaks in chat or at a scheduled time. It
// also ends AFK statuses when their owner returns.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/tasks"
)

// Reminder is a message left for a user.
type Reminder struct {
	ID         int64
	FromUserID int64
	FromName   string
	ToUserID   int64
	ToName     string
	ChannelID  int64 // zero when created outside a channel
	Text       string
	Created    time.Time
	Schedule   *time.Time // nil: delivered when the recipient speaks
	Private    bool
	Active     bool
}

// Store loads and retires reminders.
type Store interface {
	ActiveReminders(ctx context.Context) ([]Reminder, error)
	RemindersByID(ctx context.Context, ids []int64) ([]Reminder, error)
	DeactivateReminder(ctx context.Context, id int64) error
}

// Sender delivers reminder and AFK texts.
type Sender interface {
	Send(ch *channel.Channel, text string) error
	PrivateMessage(ctx context.Context, user, text string) error
}

// ErrNoSender is returned when delivery is attempted before Attach.
var ErrNoSender = errors.New("reminder sender not attached")

const timedKind tasks.Kind = "timed-reminder"

// Registry is the in-memory set of active reminders.
type Registry struct {
	store Store
	timed *tasks.Set
	log   *slog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	byID     map[int64]Reminder
	sender   Sender
	channels func(id int64) *channel.Channel
}

// NewRegistry returns an empty registry; call Reload to fill it.
func NewRegistry(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store: store,
		timed: tasks.NewSet(),
		log:   log.With(slog.String("component", "reminders")),
		now:   time.Now,
		byID:  make(map[int64]Reminder),
	}
}

// Attach sets the delivery path and the channel lookup used by timed reminders.
func (r *Registry) Attach(sender Sender, channels func(id int64) *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
	r.channels = channels
}

// Reload replaces the registry contents with every active reminder.
func (r *Registry) Reload(ctx context.Context) error {
	list, err := r.store.ActiveReminders(ctx)
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	r.timed.CancelAll()
	r.mu.Lock()
	r.byID = make(map[int64]Reminder, len(list))
	for _, rem := range list {
		r.byID[rem.ID] = rem
	}
	r.mu.Unlock()
	for _, rem := range list {
		r.schedule(rem)
	}
	r.log.Info("reminders reloaded", slog.Int("count", len(list)))
	return nil
}

// ReloadSpecific re-reads the given reminders. Active ones are added or
// refreshed, inactive or missing ones are dropped. It reports whether any
// reminder is now loaded.
func (r *Registry) ReloadSpecific(ctx context.Context, ids ...int64) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	list, err := r.store.RemindersByID(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("load reminders %v: %w", ids, err)
	}
	found := make(map[int64]Reminder, len(list))
	for _, rem := range list {
		found[rem.ID] = rem
	}

	loaded := false
	for _, id := range ids {
		r.timed.Cancel(timedKey(id), timedKind)
		rem, ok := found[id]
		r.mu.Lock()
		if ok && rem.Active {
			r.byID[id] = rem
			loaded = true
		} else {
			delete(r.byID, id)
		}
		r.mu.Unlock()
		if ok && rem.Active {
			r.schedule(rem)
		}
	}
	return loaded, nil
}

// Get returns an active reminder by id.
func (r *Registry) Get(id int64) (Reminder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.byID[id]
	return rem, ok
}

// Len returns the number of loaded reminders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Stop cancels all timed deliveries.
func (r *Registry) Stop() { r.timed.Stop() }

func timedKey(id int64) string { return "reminder:" + strconv.FormatInt(id, 10) }

func (r *Registry) schedule(rem Reminder) {
	if rem.Schedule == nil {
		return
	}
	d := rem.Schedule.Sub(r.now())
	if d < 0 {
		d = 0
	}
	id := rem.ID
	r.timed.Schedule(timedKey(id), timedKind, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.fireTimed(ctx, id); err != nil {
			r.log.Warn("timed reminder delivery failed", slog.Int64("reminder", id), slog.Any("err", err))
		}
	})
}

func (r *Registry) fireTimed(ctx context.Context, id int64) error {
	r.mu.RLock()
	rem, ok := r.byID[id]
	sender, channels := r.sender, r.channels
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if sender == nil {
		return ErrNoSender
	}
	if err := r.retire(ctx, id); err != nil {
		return err
	}

	text := fmt.Sprintf("timed reminder from %s (%s ago): %s", from(rem), ago(r.now().Sub(rem.Created)), rem.Text)
	var ch *channel.Channel
	if channels != nil && rem.ChannelID != 0 {
		ch = channels(rem.ChannelID)
	}
	if rem.Private || ch == nil || !ch.Mode().CanSend() {
		return sender.PrivateMessage(ctx, rem.ToName, text)
	}
	return sender.Send(ch, "@"+rem.ToName+", "+text)
}

func (r *Registry) retire(ctx context.Context, id int64) error {
	if err := r.store.DeactivateReminder(ctx, id); err != nil {
		return fmt.Errorf("deactivate reminder %d: %w", id, err)
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

// CheckActive delivers the pending (unscheduled) reminders of a user who just
// spoke in ch. Private reminders are whispered; the rest are posted in ch. It
// returns how many reminders were delivered.
func (r *Registry) CheckActive(ctx context.Context, userID int64, userName string, ch *channel.Channel) (int, error) {
	r.mu.RLock()
	var pending []Reminder
	for _, rem := range r.byID {
		if rem.ToUserID == userID && rem.Schedule == nil {
			pending = append(pending, rem)
		}
	}
	sender := r.sender
	r.mu.RUnlock()
	if len(pending) == 0 {
		return 0, nil
	}
	if sender == nil {
		return 0, ErrNoSender
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var public []string
	var errs []error
	delivered := 0
	for _, rem := range pending {
		if err := r.retire(ctx, rem.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
		entry := fmt.Sprintf("%s (%s ago): %s", from(rem), ago(r.now().Sub(rem.Created)), rem.Text)
		if rem.Private || ch == nil {
			if err := sender.PrivateMessage(ctx, userName, "reminder from "+entry); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		public = append(public, entry)
	}

	if len(public) > 0 {
		text := "@" + userName + ", reminder from " + public[0]
		if len(public) > 1 {
			text = fmt.Sprintf("@%s, %d reminders from %s", userName, len(public), strings.Join(public, "; "))
		}
		if err := sender.Send(ch, text); err != nil {
			errs = append(errs, err)
		}
	}
	return delivered, errors.Join(errs...)
}

func from(rem Reminder) string {
	if rem.FromUserID == rem.ToUserID {
		return "yourself"
	}
	if rem.FromName == "" {
		return "someone"
	}
	return rem.FromName
}

// ago renders a coarse, single-unit duration.
func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
