// Package command is the chat command collaborator: prefix detection, a
// registry of handlers, per-channel filters and the failure reasons the chat
// controller turns into canned whisper replies.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/NotNotQuinn/supibot/channel"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonFilter    = "filter"
	ReasonNoCommand = "no-command"
	ReasonError     = "error"
)

// User is the invoking user.
type User struct {
	ID       int64
	Name     string
	TwitchID string
}

// Invocation is one command call.
type Invocation struct {
	Command string
	Args    []string
	User    User
	Channel *channel.Channel // nil for whispers
	Private bool
	Text    string // the full message
}

// Result is what a command produced.
type Result struct {
	Success bool
	Reply   string
	Reason  string
	// ReplyWithPrivateMessage sends Reply as a whisper even in a channel.
	ReplyWithPrivateMessage bool
}

// Handler runs a command.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Command is a registered command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	// Whisperable commands may be run from a private message.
	Whisperable bool
	Run         Handler
}

// Registry holds the commands and filters.
type Registry struct {
	prefix string
	log    *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	blocked  map[string]map[string]bool // channel -> command name
	waiters  *Waiters
}

// NewRegistry returns an empty registry using prefix.
func NewRegistry(prefix string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		prefix:   prefix,
		log:      log.With(slog.String("component", "commands")),
		commands: make(map[string]*Command),
		blocked:  make(map[string]map[string]bool),
		waiters:  NewWaiters(),
	}
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string { return r.prefix }

// Register adds cmd under its name and aliases.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(cmd.Name)] = cmd
	for _, a := range cmd.Aliases {
		r.commands[strings.ToLower(a)] = cmd
	}
}

// Get looks a command up by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Names returns the primary names of all commands, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	seen := map[string]bool{}
	for _, cmd := range r.commands {
		seen[cmd.Name] = true
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Block disables a command in a channel.
func (r *Registry) Block(channelName, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelName = channel.Normalize(channelName)
	if r.blocked[channelName] == nil {
		r.blocked[channelName] = make(map[string]bool)
	}
	r.blocked[channelName][strings.ToLower(command)] = true
}

// Is reports whether text starts with the command prefix followed by something.
func (r *Registry) Is(text string) bool {
	return r.prefix != "" && strings.HasPrefix(text, r.prefix) && len(strings.TrimSpace(text)) > len(r.prefix)
}

// Parse strips the prefix and splits the rest into a command name and arguments.
func (r *Registry) Parse(text string) (string, []string, bool) {
	if !r.Is(text) {
		return "", nil, false
	}
	fields := strings.Fields(strings.Replace(text, r.prefix, "", 1))
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

func (r *Registry) filtered(cmd *Command, inv Invocation) bool {
	if inv.Private {
		return !cmd.Whisperable
	}
	if inv.Channel == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocked[inv.Channel.Name()][strings.ToLower(cmd.Name)]
}

// Execute runs the named command. Handler errors become a failed Result with
// ReasonError; they are logged, not returned.
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	cmd, ok := r.Get(inv.Command)
	if !ok {
		return Result{Reason: ReasonNoCommand}
	}
	if r.filtered(cmd, inv) {
		return Result{Reason: ReasonFilter}
	}
	res, err := r.run(ctx, cmd, inv)
	if err != nil {
		r.log.Error("command failed", slog.String("command", cmd.Name), slog.String("user", inv.User.Name), slog.Any("err", err))
		return Result{Reason: ReasonError, Reply: "An error occurred while executing the command."}
	}
	return res
}

func (r *Registry) run(ctx context.Context, cmd *Command, inv Invocation) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, p)
		}
	}()
	return cmd.Run(ctx, inv)
}

// Waiters exposes the pending user-message waits of this registry.
func (r *Registry) Waiters() *Waiters { return r.waiters }

// ResolveUserMessage hands a chat message to a command waiting for it.
func (r *Registry) ResolveUserMessage(channelName string, userID int64, text string) bool {
	return r.waiters.Resolve(channelName, userID, text)
}
