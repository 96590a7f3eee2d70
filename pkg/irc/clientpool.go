// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/datastore"
	"github.com/aiku/mautrix-irc/pkg/queue"
)

// ClientFactory builds a session for the pool. The bridge layer supplies
// it so the pool stays ignorant of ident generators, brokers and dialers;
// the factory must merge the pool's callbacks with its own.
type ClientFactory func(server *Server, config datastore.IrcClientConfig, displayName string,
	isBot bool, cb ClientCallbacks) (*BridgedClient, error)

type reconnectionItem struct {
	client   *BridgedClient
	channels []string
}

// poolEntry holds the per-server registry. count is maintained
// incrementally so the hot limit-check path never scans.
type poolEntry struct {
	bot     *BridgedClient
	nicks   map[string]*BridgedClient
	userIDs map[id.UserID]*BridgedClient
	// pending holds nicks of sessions that are connecting or mid-rename,
	// so the nick reads as ours before the network confirms it.
	pending map[string]*BridgedClient
	count   int
}

// ClientPool is the authoritative registry of sessions per server. It
// owns creation, lookup, the client limit and reconnect orchestration.
type ClientPool struct {
	ctx     context.Context
	store   datastore.Store
	factory ClientFactory
	log     zerolog.Logger

	// OnBanned fires when a session was dropped because the network banned
	// the user. The Matrix side decides what to tell them.
	OnBanned func(client *BridgedClient)

	mu              sync.Mutex
	entries         map[string]*poolEntry
	reconnectQueues map[string]*queue.Pool[reconnectionItem]
}

func NewClientPool(ctx context.Context, store datastore.Store, factory ClientFactory, log zerolog.Logger) *ClientPool {
	return &ClientPool{
		ctx:             ctx,
		store:           store,
		factory:         factory,
		log:             log.With().Str("component", "client_pool").Logger(),
		entries:         make(map[string]*poolEntry),
		reconnectQueues: make(map[string]*queue.Pool[reconnectionItem]),
	}
}

func (p *ClientPool) entryLocked(domain string) *poolEntry {
	e := p.entries[domain]
	if e == nil {
		e = &poolEntry{
			nicks:   make(map[string]*BridgedClient),
			userIDs: make(map[id.UserID]*BridgedClient),
			pending: make(map[string]*BridgedClient),
		}
		p.entries[domain] = e
	}
	return e
}

// CreateClient registers a new session in the pool before it has
// connected, so two near-simultaneous requests for the same user cannot
// spawn two sessions. The caller connects it.
func (p *ClientPool) CreateClient(server *Server, config datastore.IrcClientConfig, displayName string, isBot bool) (*BridgedClient, error) {
	cb := ClientCallbacks{
		Connected:         p.onClientConnected,
		Disconnected:      p.onClientDisconnected,
		NickChange:        p.onNickChange,
		NickExists:        func(s *Server, nick string) bool { return p.NickIsVirtual(s, nick) },
		PendingNickAdd:    p.addPendingNick,
		PendingNickRemove: p.removePendingNick,
	}
	client, err := p.factory(server, config, displayName, isBot, cb)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	e := p.entryLocked(server.Domain())
	if isBot {
		e.bot = client
	}
	e.pending[client.Nick()] = client
	e.userIDs[config.UserID] = client
	e.count++
	p.mu.Unlock()

	p.checkClientLimit(server)
	return client, nil
}

// RemoveClient drops a session's registry entries without touching its
// connection. Used when a freshly created session fails to connect.
func (p *ClientPool) RemoveClient(client *BridgedClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeClientLocked(client)
}

func (p *ClientPool) removeClientLocked(client *BridgedClient) {
	e := p.entries[client.Server().Domain()]
	if e == nil {
		return
	}
	present := false
	if e.userIDs[client.UserID()] == client {
		delete(e.userIDs, client.UserID())
		present = true
	}
	if e.nicks[client.Nick()] == client {
		delete(e.nicks, client.Nick())
	}
	for nick, cl := range e.pending {
		if cl == client {
			delete(e.pending, nick)
		}
	}
	if e.bot == client {
		e.bot = nil
	}
	if present {
		e.count--
	}
}

// GetBot returns the server's bot session, if one is registered.
func (p *ClientPool) GetBot(server *Server) *BridgedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[server.Domain()]; e != nil {
		return e.bot
	}
	return nil
}

// GetByUserID returns the user's live session on the server, or nil.
func (p *ClientPool) GetByUserID(server *Server, userID id.UserID) *BridgedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[server.Domain()]
	if e == nil {
		return nil
	}
	if c := e.userIDs[userID]; c != nil && !c.IsDead() {
		return c
	}
	return nil
}

// GetByNick returns the live session holding the nick, checking the bot
// first.
func (p *ClientPool) GetByNick(server *Server, nick string) *BridgedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[server.Domain()]
	if e == nil {
		return nil
	}
	if e.bot != nil && e.bot.Nick() == nick {
		return e.bot
	}
	if c := e.nicks[nick]; c != nil && !c.IsDead() {
		return c
	}
	return nil
}

// GetForUserID returns the user's live sessions across all servers.
func (p *ClientPool) GetForUserID(userID id.UserID) []*BridgedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*BridgedClient
	for _, e := range p.entries {
		if c := e.userIDs[userID]; c != nil && !c.IsDead() {
			out = append(out, c)
		}
	}
	return out
}

// GetForRegex returns all registered sessions whose user ID matches the
// pattern, grouped by user.
func (p *ClientPool) GetForRegex(pattern string) (map[id.UserID][]*BridgedClient, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid user ID regex")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[id.UserID][]*BridgedClient)
	for _, e := range p.entries {
		for userID, c := range e.userIDs {
			if re.MatchString(string(userID)) {
				out[userID] = append(out[userID], c)
			}
		}
	}
	return out, nil
}

// NickIsVirtual reports whether the nick belongs to one of our sessions,
// including sessions still connecting under that nick.
func (p *ClientPool) NickIsVirtual(server *Server, nick string) bool {
	if p.GetByNick(server, nick) != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[server.Domain()]
	if e == nil {
		return false
	}
	_, ok := e.pending[nick]
	return ok
}

// KillAllClients kills every session in the pool, bots included.
func (p *ClientPool) KillAllClients() {
	p.mu.Lock()
	var clients []*BridgedClient
	for _, e := range p.entries {
		for _, c := range e.userIDs {
			clients = append(clients, c)
		}
		if e.bot != nil {
			clients = append(clients, e.bot)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *BridgedClient) {
			defer wg.Done()
			c.Kill("Bridge is shutting down")
		}(c)
	}
	wg.Wait()
}

// ConnectionCount returns the number of sessions registered on the server.
func (p *ClientPool) ConnectionCount(server *Server) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[server.Domain()]; e != nil {
		return e.count
	}
	return 0
}

// TotalConnections returns the number of sessions across all servers.
func (p *ClientPool) TotalConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, e := range p.entries {
		total += e.count
	}
	return total
}

// TotalReconnectsWaiting returns how many reconnections are queued behind
// the server's concurrency limit.
func (p *ClientPool) TotalReconnectsWaiting(domain string) int {
	p.mu.Lock()
	q := p.reconnectQueues[domain]
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.WaitingItems()
}

// checkClientLimit enforces the server's max-clients cap by explicitly
// disconnecting the least recently active non-bot session. The explicit
// reason stops it from reconnecting, which is what turns the cap into LRU
// cycling.
func (p *ClientPool) checkClientLimit(server *Server) {
	if server.MaxClients() == 0 {
		return
	}
	p.mu.Lock()
	e := p.entries[server.Domain()]
	if e == nil || e.count <= server.MaxClients() {
		count := 0
		if e != nil {
			count = e.count
		}
		p.mu.Unlock()
		p.log.Debug().Int("connections", count).Str("domain", server.Domain()).
			Msg("Client limit not reached")
		return
	}
	var oldest *BridgedClient
	for _, c := range e.nicks {
		if c.IsBot() {
			continue
		}
		if oldest == nil || c.LastActionTs().Before(oldest.LastActionTs()) {
			oldest = c
		}
	}
	if oldest != nil {
		p.removeClientLocked(oldest)
	}
	p.mu.Unlock()
	if oldest == nil {
		return
	}
	p.log.Info().
		Str("nick", oldest.Nick()).
		Str("domain", server.Domain()).
		Int("limit", server.MaxClients()).
		Msg("Client limit exceeded, disconnecting oldest client")
	oldest.Disconnect(ReasonLimitReached,
		fmt.Sprintf("Client limit exceeded: %d", server.MaxClients()), true)
}

func (p *ClientPool) onClientConnected(client *BridgedClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(client.Server().Domain())
	for nick, cl := range e.pending {
		if cl == client {
			delete(e.pending, nick)
			if nick != client.Nick() {
				p.log.Debug().
					Str("desired", nick).
					Str("actual", client.Nick()).
					Msg("Connected with a different nick than desired")
			}
		}
	}
	e.nicks[client.Nick()] = client
}

func (p *ClientPool) onNickChange(client *BridgedClient, oldNick, newNick string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(client.Server().Domain())
	if e.nicks[oldNick] == client {
		delete(e.nicks, oldNick)
	}
	e.nicks[newNick] = client
}

func (p *ClientPool) addPendingNick(server *Server, nick string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(server.Domain())
	if c := e.nicks[nick]; c != nil {
		return
	}
	// Reserve the nick while the rename is in flight.
	e.pending[nick] = nil
}

func (p *ClientPool) removePendingNick(server *Server, nick string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[server.Domain()]; e != nil {
		if c, ok := e.pending[nick]; ok && c == nil {
			delete(e.pending, nick)
		}
	}
}

// onClientDisconnected decides the session's fate: banned users are
// surfaced, explicit disconnects stay down and everything else is rebuilt
// from the freshest stored config and reconnected.
func (p *ClientPool) onClientDisconnected(client *BridgedClient) {
	p.mu.Lock()
	p.removeClientLocked(client)
	p.mu.Unlock()

	if client.DisconnectReason() == ReasonBanned && p.OnBanned != nil {
		p.OnBanned(client)
	}
	if client.ExplicitDisconnect() {
		return
	}

	server := client.Server()
	config := client.Config()
	if stored, err := p.store.GetIrcClientConfig(p.ctx, client.UserID(), server.Domain()); err == nil && stored != nil {
		// Pick up nick or password changes made while we were connected.
		config = *stored
	}
	// Reconnect with the nick the network last knew us by, not the stale
	// desired one.
	config.DesiredNick = client.Nick()

	channels := client.ChanList()
	if len(channels) == 0 && !client.IsBot() {
		p.log.Info().
			Str("client_id", client.ID()).
			Str("nick", client.Nick()).
			Msg("Dropping client: not joined to any channels")
		return
	}

	newClient, err := p.CreateClient(server, config, client.DisplayName(), client.IsBot())
	if err != nil {
		p.log.Error().Err(err).
			Stringer("user_id", client.UserID()).
			Str("domain", server.Domain()).
			Msg("Failed to recreate client for reconnection")
		return
	}

	item := reconnectionItem{client: newClient, channels: channels}
	if q := p.reconnectQueue(server); q != nil {
		q.Enqueue(newClient.ID(), item)
		return
	}
	go p.reconnectClient(p.ctx, item)
}

func (p *ClientPool) reconnectQueue(server *Server) *queue.Pool[reconnectionItem] {
	limit := server.ConcurrentReconnectLimit()
	if limit == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.reconnectQueues[server.Domain()]
	if q == nil {
		q = queue.NewPool[reconnectionItem](limit, func(ctx context.Context, item reconnectionItem) (any, error) {
			p.log.Info().
				Int("waiting", p.TotalReconnectsWaiting(server.Domain())).
				Msg("Reconnecting client")
			p.reconnectClient(ctx, item)
			return nil, nil
		})
		p.reconnectQueues[server.Domain()] = q
	}
	return q
}

func (p *ClientPool) reconnectClient(ctx context.Context, item reconnectionItem) {
	if err := item.client.Reconnect(ctx, item.channels); err != nil {
		p.log.Error().Err(err).
			Str("nick", item.client.Nick()).
			Str("domain", item.client.Server().Domain()).
			Msg("Failed to reconnect client")
	}
}
