package realtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
	"lexrt/pkg/transport"
)

// Registry owns the channels of one application context, keyed by
// namespace. It is constructed by the caller and injected into consumers;
// there is no package-level registry.
type Registry struct {
	dialer transport.Dialer
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	identity string
	closed   bool
}

// NewRegistry creates an empty Registry. Channels are dialled with dialer
// and share cfg.
func NewRegistry(dialer transport.Dialer, cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "registry").Logger(),
		channels: make(map[string]*Channel),
	}
}

// Get returns the channel for name, creating it and starting its connection
// on first use. Concurrent calls for the same name return the same channel.
func (r *Registry) Get(name string) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("empty channel name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("get channel %s: %w", name, protocol.ErrChannelDisposed)
	}
	if ch, ok := r.channels[name]; ok {
		return ch, nil
	}

	ch := newChannel(name, r.dialer, r.cfg, r.log)
	ch.identity = r.identity
	r.channels[name] = ch
	if err := ch.Connect(); err != nil {
		delete(r.channels, name)
		return nil, fmt.Errorf("connect channel %s: %w", name, err)
	}
	r.log.Debug().Str("channel", name).Msg("channel created")
	return ch, nil
}

// Lookup returns an existing channel without creating one.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Dispose tears down the channel for name and forgets it. Disposing an
// unknown name is a no-op.
func (r *Registry) Dispose(name string) {
	r.mu.Lock()
	ch, ok := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()

	if ok {
		ch.Dispose()
	}
}

// SetIdentity applies identity to every channel, current and future.
func (r *Registry) SetIdentity(identity string) {
	r.mu.Lock()
	r.identity = identity
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.SetIdentity(identity)
	}
}

// Names returns the registered channel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns the state of every channel, sorted by name.
func (r *Registry) Snapshots() []ChannelSnapshot {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	out := make([]ChannelSnapshot, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close disposes every channel. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Dispose()
	}
}
