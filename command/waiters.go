package command

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
)

// ErrWaitTimeout is returned by Await when the user did not answer in time.
var ErrWaitTimeout = errors.New("timed out waiting for user message")

// Waiters lets a command wait for the next message of a user in a channel,
// for confirmations and follow-up questions.
type Waiters struct {
	mu      sync.Mutex
	pending map[string]chan string
}

// NewWaiters returns an empty set.
func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[string]chan string)}
}

func waitKey(channelName string, userID int64) string {
	return channel.Normalize(channelName) + "/" + strconv.FormatInt(userID, 10)
}

// Await blocks until the user speaks in the channel, the timeout passes or
// ctx is done. A newer Await for the same pair replaces this one.
func (w *Waiters) Await(ctx context.Context, channelName string, userID int64, timeout time.Duration) (string, error) {
	key := waitKey(channelName, userID)
	ch := make(chan string, 1)
	w.mu.Lock()
	w.pending[key] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.pending[key] == ch {
			delete(w.pending, key)
		}
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-ch:
		return text, nil
	case <-timer.C:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers text to a pending Await, reporting whether one existed.
func (w *Waiters) Resolve(channelName string, userID int64, text string) bool {
	key := waitKey(channelName, userID)
	w.mu.Lock()
	ch, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- text
	return true
}
