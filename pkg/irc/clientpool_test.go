// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/config"
	"github.com/aiku/mautrix-irc/pkg/datastore"
)

func newTestPool(t *testing.T, extra func(*config.ServerConfig)) (*ClientPool, *Server, chan *fakeIRCServer) {
	t.Helper()
	server := testServer(extra)
	store := datastore.NewMemStore()
	identGen := NewIdentGenerator(store, zerolog.Nop())
	serverCh := make(chan *fakeIRCServer, 8)
	factory := func(server *Server, cfg datastore.IrcClientConfig, displayName string,
		isBot bool, cb ClientCallbacks) (*BridgedClient, error) {
		return NewBridgedClient(server, cfg, displayName, isBot, identGen, nil, nil,
			pipeDialer(t, serverCh), cb, zerolog.Nop())
	}
	pool := NewClientPool(context.Background(), store, factory, zerolog.Nop())
	return pool, server, serverCh
}

func poolClientConfig(n int) datastore.IrcClientConfig {
	return datastore.IrcClientConfig{
		UserID:      id.UserID(fmt.Sprintf("@user%d:example.com", n)),
		Domain:      "irc.example.net",
		DesiredNick: fmt.Sprintf("user%d", n),
	}
}

func setLastAction(c *BridgedClient, ts time.Time) {
	c.mu.Lock()
	c.lastActionTs = ts
	c.mu.Unlock()
}

func TestPoolCreateAndLookup(t *testing.T) {
	t.Parallel()
	pool, server, _ := newTestPool(t, nil)
	cfg := poolClientConfig(1)
	client, err := pool.CreateClient(server, cfg, "User One", false)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	// Registered before connecting, so a racing second request sees it.
	if got := pool.GetByUserID(server, cfg.UserID); got != client {
		t.Error("client should be registered immediately")
	}
	if !pool.NickIsVirtual(server, "user1") {
		t.Error("pending nick should read as virtual")
	}
	if pool.GetByNick(server, "user1") != nil {
		t.Error("nick lookup should miss before the client connects")
	}

	pool.onClientConnected(client)
	if got := pool.GetByNick(server, "user1"); got != client {
		t.Error("nick lookup should hit after connecting")
	}
	if pool.ConnectionCount(server) != 1 || pool.TotalConnections() != 1 {
		t.Errorf("counts: %d/%d", pool.ConnectionCount(server), pool.TotalConnections())
	}
}

func TestPoolClientLimitEvictsLRUNotBot(t *testing.T) {
	t.Parallel()
	// The bot occupies one of the four slots; the three users fill the rest.
	pool, server, _ := newTestPool(t, func(cfg *config.ServerConfig) {
		cfg.IrcClients.MaxClients = 4
		cfg.Bot.Enabled = true
		cfg.Bot.Nick = "mbot"
	})

	bot, err := pool.CreateClient(server, datastore.IrcClientConfig{
		UserID: "@ircbot:example.com",
		Domain: server.Domain(),
	}, "", true)
	if err != nil {
		t.Fatalf("CreateClient bot: %v", err)
	}
	pool.onClientConnected(bot)
	// The bot is the stalest client of all and still must never be evicted.
	setLastAction(bot, time.Now().Add(-time.Hour))

	clients := make([]*BridgedClient, 3)
	for i := range clients {
		c, err := pool.CreateClient(server, poolClientConfig(i), "", false)
		if err != nil {
			t.Fatalf("CreateClient %d: %v", i, err)
		}
		pool.onClientConnected(c)
		setLastAction(c, time.Now().Add(-time.Duration(10-i)*time.Minute))
		clients[i] = c
	}

	// All three users plus the bot fit: nobody evicted yet.
	for i, c := range clients {
		if pool.GetByUserID(server, c.UserID()) == nil {
			t.Fatalf("client %d evicted prematurely", i)
		}
	}

	extra, err := pool.CreateClient(server, poolClientConfig(9), "", false)
	if err != nil {
		t.Fatalf("CreateClient extra: %v", err)
	}

	// clients[0] was the least recently active non-bot session.
	if pool.GetByUserID(server, clients[0].UserID()) != nil {
		t.Error("LRU client should have been evicted")
	}
	if !clients[0].ExplicitDisconnect() {
		t.Error("limit eviction must be explicit so it does not reconnect")
	}
	for _, c := range []*BridgedClient{clients[1], clients[2], extra} {
		if pool.GetByUserID(server, c.UserID()) == nil {
			t.Errorf("%s should have survived", c.UserID())
		}
	}
	if pool.GetBot(server) != bot {
		t.Error("the bot must never be evicted")
	}
}

func TestPoolNickChangeUpdatesLookup(t *testing.T) {
	t.Parallel()
	pool, server, _ := newTestPool(t, nil)
	client, err := pool.CreateClient(server, poolClientConfig(1), "", false)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	pool.onClientConnected(client)

	pool.onNickChange(client, "user1", "newname")
	if pool.GetByNick(server, "user1") != nil {
		t.Error("old nick should no longer resolve")
	}
	if pool.GetByNick(server, "newname") != client {
		t.Error("new nick should resolve")
	}
}

func TestPoolGetForRegex(t *testing.T) {
	t.Parallel()
	pool, server, _ := newTestPool(t, nil)
	alice, _ := pool.CreateClient(server, datastore.IrcClientConfig{
		UserID: "@alice:example.com", Domain: server.Domain(), DesiredNick: "alice",
	}, "", false)
	if _, err := pool.CreateClient(server, datastore.IrcClientConfig{
		UserID: "@bob:example.com", Domain: server.Domain(), DesiredNick: "bob",
	}, "", false); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	matches, err := pool.GetForRegex("@a.*")
	if err != nil {
		t.Fatalf("GetForRegex: %v", err)
	}
	if len(matches) != 1 || len(matches["@alice:example.com"]) != 1 || matches["@alice:example.com"][0] != alice {
		t.Errorf("matches: %v", matches)
	}
	if _, err := pool.GetForRegex("("); err == nil {
		t.Error("invalid regex should error")
	}
}

func TestPoolReconnectPreservesChannels(t *testing.T) {
	t.Parallel()
	pool, server, serverCh := newTestPool(t, nil)
	ctx := context.Background()

	cfg := datastore.IrcClientConfig{
		UserID:      "@alice:example.com",
		Domain:      server.Domain(),
		DesiredNick: "alice",
	}
	client, err := pool.CreateClient(server, cfg, "Alice", false)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Connect(ctx) }()
	srv := <-serverCh
	srv.expect(t, "NICK alice")
	srv.sendLine(t, ":irc.example.net 001 alice :Welcome")
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, channel := range []string{"#a", "#b"} {
		joinDone := make(chan error, 1)
		go func(ch string) { joinDone <- client.JoinChannel(ctx, ch, "") }(channel)
		srv.expect(t, "JOIN "+channel)
		srv.sendLine(t, ":alice!alice@host JOIN "+channel)
		if err := <-joinDone; err != nil {
			t.Fatalf("JoinChannel %s: %v", channel, err)
		}
	}

	// Kill the wire without an explicit disconnect: the pool must rebuild
	// the session and rejoin both channels on its own.
	srv.conn.Close()

	var srv2 *fakeIRCServer
	select {
	case srv2 = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("pool never redialed")
	}
	srv2.expect(t, "NICK alice")
	srv2.sendLine(t, ":irc.example.net 001 alice :Welcome back")
	rejoined := map[string]bool{}
	for i := 0; i < 2; i++ {
		line := srv2.expect(t, "JOIN")
		rejoined[line] = true
		srv2.sendLine(t, ":alice!alice@host " + line)
	}
	if !rejoined["JOIN #a"] || !rejoined["JOIN #b"] {
		t.Errorf("rejoined: %v", rejoined)
	}

	waitFor(t, "replacement client", func() bool {
		replacement := pool.GetByUserID(server, cfg.UserID)
		return replacement != nil && replacement != client && replacement.Status() == StatusConnected
	})
	t.Cleanup(pool.KillAllClients)
}

func TestPoolZeroChannelClientNotReconnected(t *testing.T) {
	t.Parallel()
	pool, server, serverCh := newTestPool(t, nil)
	ctx := context.Background()

	client, err := pool.CreateClient(server, poolClientConfig(1), "", false)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- client.Connect(ctx) }()
	srv := <-serverCh
	srv.expect(t, "NICK user1")
	srv.sendLine(t, ":irc.example.net 001 user1 :Welcome")
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srv.conn.Close()
	waitFor(t, "dead client", client.IsDead)

	select {
	case <-serverCh:
		t.Fatal("zero-channel client must not be reconnected")
	case <-time.After(300 * time.Millisecond):
	}
	if pool.GetByUserID(server, client.UserID()) != nil {
		t.Error("dead client should be deregistered")
	}
}

func TestPoolKillAllClients(t *testing.T) {
	t.Parallel()
	pool, server, serverCh := newTestPool(t, nil)
	ctx := context.Background()

	clients := make([]*BridgedClient, 2)
	for i := range clients {
		c, err := pool.CreateClient(server, poolClientConfig(i), "", false)
		if err != nil {
			t.Fatalf("CreateClient %d: %v", i, err)
		}
		done := make(chan error, 1)
		go func() { done <- c.Connect(ctx) }()
		srv := <-serverCh
		srv.expect(t, fmt.Sprintf("NICK user%d", i))
		srv.sendLine(t, fmt.Sprintf(":irc.example.net 001 user%d :Welcome", i))
		if err := <-done; err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		clients[i] = c
	}

	pool.KillAllClients()
	for i, c := range clients {
		if c.Status() != StatusKilled {
			t.Errorf("client %d: status %v", i, c.Status())
		}
	}
	waitFor(t, "empty pool", func() bool { return pool.TotalConnections() == 0 })
}
