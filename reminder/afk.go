package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
)

// AFK is an open away-from-keyboard status.
type AFK struct {
	ID      int64
	UserID  int64
	Text    string
	Status  string
	Started time.Time
}

// AFKStore reads and closes AFK statuses.
type AFKStore interface {
	ActiveAFK(ctx context.Context, userID int64) (*AFK, error)
	EndAFK(ctx context.Context, id int64, at time.Time) error
}

var returnPhrases = map[string]string{
	"afk":    "is no longer AFK",
	"gn":     "is now awake",
	"brb":    "is back",
	"food":   "finished eating",
	"shower": "is now clean",
}

// AFKTracker announces users coming back from AFK.
type AFKTracker struct {
	store AFKStore
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	sender Sender
}

// NewAFKTracker returns a tracker reading from store.
func NewAFKTracker(store AFKStore, log *slog.Logger) *AFKTracker {
	if log == nil {
		log = slog.Default()
	}
	return &AFKTracker{store: store, log: log.With(slog.String("component", "afk")), now: time.Now}
}

// Attach sets the delivery path.
func (t *AFKTracker) Attach(sender Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
}

// CheckActive ends the user's AFK status, if any, and announces it in ch.
func (t *AFKTracker) CheckActive(ctx context.Context, userID int64, userName string, ch *channel.Channel) (bool, error) {
	afk, err := t.store.ActiveAFK(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load afk for %s: %w", userName, err)
	}
	if afk == nil {
		return false, nil
	}
	now := t.now()
	if err := t.store.EndAFK(ctx, afk.ID, now); err != nil {
		return false, fmt.Errorf("end afk %d: %w", afk.ID, err)
	}

	t.mu.RLock()
	sender := t.sender
	t.mu.RUnlock()
	if sender == nil || ch == nil || !ch.Mode().CanSend() {
		return true, nil
	}

	phrase, ok := returnPhrases[afk.Status]
	if !ok {
		phrase = returnPhrases["afk"]
	}
	text := fmt.Sprintf("%s %s: %s (%s ago)", userName, phrase, afk.Text, ago(now.Sub(afk.Started)))
	if afk.Text == "" {
		text = fmt.Sprintf("%s %s (%s ago)", userName, phrase, ago(now.Sub(afk.Started)))
	}
	return true, sender.Send(ch, text)
}
