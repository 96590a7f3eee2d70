// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires the IRC session machinery together: one client pool
// and event broker shared by every configured network, the ident and ipv6
// allocators, and the optional identd and debug API listeners.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/config"
	"github.com/aiku/mautrix-irc/pkg/datastore"
	"github.com/aiku/mautrix-irc/pkg/irc"
)

// Channel joins of a freshly connected bot are staggered so a bridge with
// hundreds of mapped channels does not flood itself off the network.
const botJoinStagger = 500 * time.Millisecond

type Bridge struct {
	cfg    *config.Config
	store  datastore.Store
	log    zerolog.Logger
	crypto *datastore.StringCrypto

	servers  map[string]*irc.Server
	pool     *irc.ClientPool
	broker   *irc.Broker
	identGen *irc.IdentGenerator
	ipv6Gen  *irc.Ipv6Generator
	identd   *irc.Identd
	debugAPI *DebugAPI

	// Overridable in tests to dial an in-process fake network.
	dial irc.DialFn

	mu sync.Mutex
	// key domain/userID -> the in-flight creation other callers wait on.
	pending map[string]*inflightClient
}

type inflightClient struct {
	done   chan struct{}
	client *irc.BridgedClient
	err    error
}

func New(ctx context.Context, cfg *config.Config, store datastore.Store, sink irc.EventSink, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:     cfg,
		store:   store,
		log:     log,
		servers: make(map[string]*irc.Server),
		pending: make(map[string]*inflightClient),
	}
	if cfg.IrcService.PasskeyFile != "" {
		crypto, err := datastore.NewStringCrypto(cfg.IrcService.PasskeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load passkey")
		}
		b.crypto = crypto
	}
	serverList := make([]*irc.Server, 0, len(cfg.IrcService.Servers))
	for domain, serverCfg := range cfg.IrcService.Servers {
		server := irc.NewServer(domain, cfg.Homeserver.Domain, serverCfg)
		b.servers[domain] = server
		serverList = append(serverList, server)
	}
	b.identGen = irc.NewIdentGenerator(store, log)
	b.ipv6Gen = irc.NewIpv6Generator(store, cfg.Homeserver.Domain, log)
	if cfg.IrcService.Ident.Enabled {
		b.identd = irc.NewIdentd(cfg.IrcService.Ident, log)
	}
	b.pool = irc.NewClientPool(ctx, store, b.makeClient, log)
	b.broker = irc.NewBroker(ctx, b.pool, sink, serverList, log)
	if cfg.IrcService.DebugAPI.Enabled {
		b.debugAPI = NewDebugAPI(b, cfg.IrcService.DebugAPI, log)
	}
	return b, nil
}

// makeClient is the pool's client factory. It attaches the broker hooks and
// decrypts the stored NickServ password before the session ever dials.
func (b *Bridge) makeClient(server *irc.Server, clientCfg datastore.IrcClientConfig, displayName string,
	isBot bool, cb irc.ClientCallbacks) (*irc.BridgedClient, error) {
	if clientCfg.Password != "" && b.crypto != nil {
		plain, err := b.crypto.Decrypt(clientCfg.Password)
		if err != nil {
			b.log.Error().Err(err).
				Stringer("user_id", clientCfg.UserID).
				Str("domain", clientCfg.Domain).
				Msg("Failed to decrypt stored password, connecting without it")
			clientCfg.Password = ""
		} else {
			clientCfg.Password = plain
		}
	}
	cb.OnCreated = b.broker.AddHooks
	cb.SendMetadata = b.broker.SendMetadata
	var identd irc.IdentResponder
	if b.identd != nil {
		identd = b.identd
	}
	return irc.NewBridgedClient(server, clientCfg, displayName, isBot,
		b.identGen, b.ipv6Gen, identd, b.dial, cb, b.log)
}

// Start brings up the listeners and connects the per-network bots.
func (b *Bridge) Start(ctx context.Context) error {
	if b.identd != nil {
		if err := b.identd.Start(); err != nil {
			return err
		}
	}
	if b.debugAPI != nil {
		if err := b.debugAPI.Start(); err != nil {
			return err
		}
	}
	return b.ConnectToIRCNetworks(ctx)
}

func (b *Bridge) Stop() {
	if b.debugAPI != nil {
		b.debugAPI.Stop()
	}
	if b.identd != nil {
		b.identd.Stop()
	}
	b.broker.Stop()
	b.pool.KillAllClients()
}

// ConnectToIRCNetworks connects the bot of every configured network in
// parallel.
func (b *Bridge) ConnectToIRCNetworks(ctx context.Context) error {
	var group errgroup.Group
	for _, server := range b.servers {
		group.Go(func() error {
			return b.LoginToServer(ctx, server)
		})
	}
	return group.Wait()
}

// LoginToServer connects the network's bot, retrying until it succeeds or
// the context ends, then joins the tracked channels in the background.
func (b *Bridge) LoginToServer(ctx context.Context, server *irc.Server) error {
	if !server.BotEnabled() {
		b.log.Debug().Str("domain", server.Domain()).Msg("Bot disabled, not connecting")
		return nil
	}
	log := b.log.With().Str("domain", server.Domain()).Logger()
	for {
		bot, err := b.pool.CreateClient(server, datastore.IrcClientConfig{
			Domain:   server.Domain(),
			Username: server.BotUsername(),
		}, "", true)
		if err == nil {
			err = bot.Connect(ctx)
			if err != nil {
				b.pool.RemoveClient(bot)
			}
		}
		if err == nil {
			log.Info().Str("nick", bot.Nick()).Msg("Bot connected")
			go b.joinBotChannels(ctx, server, bot)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("Failed to connect bot, retrying")
		select {
		case <-time.After(server.ReconnectInterval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) joinBotChannels(ctx context.Context, server *irc.Server, bot *irc.BridgedClient) {
	log := b.log.With().Str("domain", server.Domain()).Logger()
	channels, err := b.store.GetTrackedChannelsForServer(ctx, server.Domain())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tracked channels")
		return
	}
	for _, channel := range channels {
		if server.IsExcludedChannel(channel) {
			continue
		}
		if !server.JoinChannelsIfNoUsers() {
			rooms, err := b.store.GetMatrixRoomsForChannel(ctx, server.Domain(), channel)
			if err != nil || len(rooms) == 0 {
				continue
			}
		}
		if err := bot.JoinChannel(ctx, channel, server.ChannelKey(channel)); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("Bot failed to join channel")
		}
		select {
		case <-time.After(botJoinStagger):
		case <-ctx.Done():
			return
		}
	}
	log.Info().Int("channels", len(channels)).Msg("Bot finished joining channels")
}

// GetBridgedClient returns the user's live session on the network, creating
// and connecting one if needed. Concurrent calls for the same user share a
// single creation. Excluded users are rejected before any IO happens.
func (b *Bridge) GetBridgedClient(ctx context.Context, server *irc.Server, userID id.UserID, displayName string) (*irc.BridgedClient, error) {
	if excluded, reason := server.IsExcludedUser(userID); excluded {
		return nil, errors.Errorf("user %s is excluded from %s: %s", userID, server.Domain(), reason)
	}
	if client := b.pool.GetByUserID(server, userID); client != nil {
		return client, nil
	}

	key := server.Domain() + "/" + string(userID)
	b.mu.Lock()
	if fl, ok := b.pending[key]; ok {
		b.mu.Unlock()
		select {
		case <-fl.done:
			return fl.client, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflightClient{done: make(chan struct{})}
	b.pending[key] = fl
	b.mu.Unlock()

	fl.client, fl.err = b.createAndConnect(ctx, server, userID, displayName)
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	close(fl.done)
	return fl.client, fl.err
}

func (b *Bridge) createAndConnect(ctx context.Context, server *irc.Server, userID id.UserID, displayName string) (*irc.BridgedClient, error) {
	clientCfg, err := b.store.GetIrcClientConfig(ctx, userID, server.Domain())
	isNew := false
	if errors.Is(err, datastore.ErrNotFound) {
		clientCfg = &datastore.IrcClientConfig{UserID: userID, Domain: server.Domain()}
		isNew = true
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to load client config")
	}
	// The store read may have lost a race with another creation path.
	if client := b.pool.GetByUserID(server, userID); client != nil {
		return client, nil
	}

	client, err := b.pool.CreateClient(server, *clientCfg, displayName, false)
	if err != nil {
		return nil, err
	}
	if err = client.Connect(ctx); err != nil {
		b.pool.RemoveClient(client)
		return nil, errors.Wrapf(err, "failed to connect %s to %s", userID, server.Domain())
	}

	if isNew {
		// The ident generator persists its own copy during connect; only
		// write ours if the user still has no stored config.
		if _, err := b.store.GetIrcClientConfig(ctx, userID, server.Domain()); errors.Is(err, datastore.ErrNotFound) {
			stored := client.Config()
			if err := b.store.StoreIrcClientConfig(ctx, &stored); err != nil {
				b.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to persist client config")
			}
		}
	}
	return client, nil
}

// SendIRCAction delivers a message to a channel as the user, connecting
// them first if needed.
func (b *Bridge) SendIRCAction(ctx context.Context, server *irc.Server, userID id.UserID, displayName,
	channel string, action irc.Action, expiry time.Time) error {
	client, err := b.GetBridgedClient(ctx, server, userID, displayName)
	if err != nil {
		return err
	}
	return client.SendAction(ctx, channel, action, expiry)
}

// CheckNickExists asks the network about a nick through the bot's session.
func (b *Bridge) CheckNickExists(ctx context.Context, server *irc.Server, nick string) (bool, error) {
	bot := b.pool.GetBot(server)
	if bot == nil {
		return false, errors.Errorf("no bot client for %s", server.Domain())
	}
	return bot.CheckNickExists(ctx, nick)
}

func (b *Bridge) GetBotClient(server *irc.Server) *irc.BridgedClient {
	return b.pool.GetBot(server)
}

func (b *Bridge) ServerByDomain(domain string) *irc.Server {
	return b.servers[domain]
}

func (b *Bridge) KillAllClients() {
	b.pool.KillAllClients()
}

func (b *Bridge) ConnectionCount(server *irc.Server) int {
	return b.pool.ConnectionCount(server)
}

func (b *Bridge) TotalConnections() int {
	return b.pool.TotalConnections()
}

func (b *Bridge) ReconnectsWaiting(server *irc.Server) int {
	return b.pool.TotalReconnectsWaiting(server.Domain())
}

func (b *Bridge) IdentQueueLength() int {
	return b.identGen.QueueLength()
}
