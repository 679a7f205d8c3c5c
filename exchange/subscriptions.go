package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"orderflow/logger"
	"orderflow/models"
)

// ChannelKind identifies a logical data stream multiplexed over the
// connection.
type ChannelKind string

const (
	ChannelTicker     ChannelKind = "ticker"
	ChannelBook       ChannelKind = "book"
	ChannelLevel3     ChannelKind = "level3"
	ChannelTrade      ChannelKind = "trade"
	ChannelExecutions ChannelKind = "executions"
	ChannelStatus     ChannelKind = "status"
)

// SubscribeOptions are the channel-specific parameters of a subscription.
// EventTrigger and Snapshot are preserved verbatim across re-subscription.
type SubscribeOptions struct {
	Symbols      []string
	Depth        int
	Snapshot     *bool
	EventTrigger string
}

// Callback receives raw channel data for one subscription tuple.
type Callback func(frameType string, data json.RawMessage)

// Handle identifies one caller's interest in a subscription tuple.
type Handle struct {
	id  string
	key string
	reg *registry
}

// Unsubscribe removes this caller's interest. When the last caller for the
// tuple is gone an unsubscribe command is sent.
func (h *Handle) Unsubscribe(ctx context.Context) error {
	return h.reg.remove(ctx, h)
}

type subEntry struct {
	key       string
	channel   ChannelKind
	opts      SubscribeOptions
	needToken bool
	callbacks map[string]Callback
}

// registry tracks which tuples are wanted and keeps the wire state equal to
// the recorded set: the first subscriber for a tuple triggers a subscribe
// command, the last departure an unsubscribe, and every transition into the
// open state re-issues every live tuple in original order.
type registry struct {
	log *logger.Log

	send   func(models.Request) error
	isOpen func() bool
	token  func(context.Context) (string, error)

	mu      sync.Mutex
	entries map[string]*subEntry
	order   []string
}

func newRegistry(log *logger.Log, send func(models.Request) error, isOpen func() bool, token func(context.Context) (string, error)) *registry {
	return &registry{
		log:     log,
		send:    send,
		isOpen:  isOpen,
		token:   token,
		entries: make(map[string]*subEntry),
	}
}

func tupleKey(channel ChannelKind, opts SubscribeOptions) string {
	params := models.SubscribeParams{
		Channel:      string(channel),
		Symbol:       opts.Symbols,
		Depth:        opts.Depth,
		Snapshot:     opts.Snapshot,
		EventTrigger: opts.EventTrigger,
	}
	b, _ := json.Marshal(params)
	return string(b)
}

func channelNeedsToken(channel ChannelKind) bool {
	return channel == ChannelLevel3 || channel == ChannelExecutions
}

// subscribe registers interest and, for a new tuple on an open connection,
// sends the subscribe command. Authorization for level3 is checked before any
// network round-trip.
func (r *registry) subscribe(ctx context.Context, channel ChannelKind, opts SubscribeOptions, cb Callback) (*Handle, error) {
	if channelNeedsToken(channel) {
		tok, err := r.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token provider: %w", err)
		}
		if tok == "" {
			return nil, fmt.Errorf("%s subscription: %w", channel, ErrTokenRequired)
		}
	}

	key := tupleKey(channel, opts)
	h := &Handle{id: uuid.NewString(), key: key, reg: r}

	r.mu.Lock()
	entry, exists := r.entries[key]
	if !exists {
		entry = &subEntry{
			key:       key,
			channel:   channel,
			opts:      opts,
			needToken: channelNeedsToken(channel),
			callbacks: make(map[string]Callback),
		}
		r.entries[key] = entry
		r.order = append(r.order, key)
	}
	entry.callbacks[h.id] = cb
	open := r.isOpen()
	r.mu.Unlock()

	if !exists && open {
		if err := r.sendSubscribe(ctx, entry); err != nil {
			r.log.WithComponent("subscriptions").WithFields(logger.Fields{"channel": channel}).WithError(err).Warn("failed to send subscribe command")
		}
	}
	return h, nil
}

func (r *registry) remove(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	entry, ok := r.entries[h.key]
	if ok {
		delete(entry.callbacks, h.id)
		if len(entry.callbacks) == 0 {
			delete(r.entries, h.key)
			for i, k := range r.order {
				if k == h.key {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		} else {
			ok = false // other subscribers remain, keep the wire subscription
		}
	}
	open := r.isOpen()
	r.mu.Unlock()

	if !ok || !open {
		return nil
	}
	return r.sendCommand(ctx, "unsubscribe", entry)
}

func (r *registry) sendSubscribe(ctx context.Context, entry *subEntry) error {
	return r.sendCommand(ctx, "subscribe", entry)
}

func (r *registry) sendCommand(ctx context.Context, method string, entry *subEntry) error {
	params := models.SubscribeParams{
		Channel:      string(entry.channel),
		Symbol:       entry.opts.Symbols,
		Depth:        entry.opts.Depth,
		Snapshot:     entry.opts.Snapshot,
		EventTrigger: entry.opts.EventTrigger,
	}
	if entry.needToken {
		tok, err := r.token(ctx)
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
		params.Token = tok
	}
	return r.send(models.Request{Method: method, Params: params})
}

// resubscribeAll re-issues subscribe commands for every tuple with at least
// one live callback, in the order the tuples were first added. Local callback
// sets are untouched, so repeating this after every reconnect is idempotent.
func (r *registry) resubscribeAll(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*subEntry, 0, len(r.order))
	for _, key := range r.order {
		if e, ok := r.entries[key]; ok && len(e.callbacks) > 0 {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	for _, entry := range entries {
		if err := r.sendSubscribe(ctx, entry); err != nil {
			r.log.WithComponent("subscriptions").WithFields(logger.Fields{"channel": entry.channel}).WithError(err).Warn("failed to re-subscribe after reconnect")
		}
	}
}

// dispatch invokes every callback registered for the channel.
func (r *registry) dispatch(channel ChannelKind, frameType string, data json.RawMessage) {
	r.mu.Lock()
	cbs := make([]Callback, 0)
	for _, key := range r.order {
		entry, ok := r.entries[key]
		if !ok || entry.channel != channel {
			continue
		}
		for _, cb := range entry.callbacks {
			cbs = append(cbs, cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(frameType, data)
	}
}

// has reports whether any live subscription exists for the channel.
func (r *registry) has(channel ChannelKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.channel == channel && len(entry.callbacks) > 0 {
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// liveTuples returns the recorded tuple keys in first-added order.
func (r *registry) liveTuples() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}
