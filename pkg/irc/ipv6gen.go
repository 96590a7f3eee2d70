// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/datastore"
	"github.com/aiku/mautrix-irc/pkg/queue"
)

// Ipv6Generator hands out source addresses from a configured IPv6 block,
// one per (user, network), so networks can apply per-user bans instead of
// banning the bridge host. Allocation is serialized through a queue for
// the same reason ident generation is: the counter must be persisted
// before the next request is admitted.
type Ipv6Generator struct {
	store      datastore.Store
	homeserver string
	log        zerolog.Logger
	queue      *queue.Queue[ipv6Request]

	counter int64 // -1 until loaded from the store
}

type ipv6Request struct {
	prefix string
	config *datastore.IrcClientConfig
}

func NewIpv6Generator(store datastore.Store, homeserver string, log zerolog.Logger) *Ipv6Generator {
	g := &Ipv6Generator{
		store:      store,
		homeserver: homeserver,
		log:        log.With().Str("component", "ipv6_generator").Logger(),
		counter:    -1,
	}
	g.queue = queue.New(g.process)
	return g
}

// Generate allocates an address under prefix and sets it on config. An
// address already present on the config is reused without consuming a
// counter value.
func (g *Ipv6Generator) Generate(ctx context.Context, prefix string, config *datastore.IrcClientConfig) (string, error) {
	if config.IPv6Address != "" {
		g.log.Info().
			Str("user_id", string(config.UserID)).
			Str("address", config.IPv6Address).
			Msg("Using existing IPv6 address")
		return config.IPv6Address, nil
	}
	key := string(config.UserID)
	if key == "" {
		key = config.Username
	}
	if key == "" {
		return "", errors.New("ipv6 request has neither a username nor a user ID")
	}
	g.log.Info().Str("id", key).Msg("Enqueueing IPv6 generation request")
	fut := g.queue.Enqueue(key, ipv6Request{prefix: prefix, config: config})
	val, err := fut.Wait(ctx)
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// QueueLength is exposed for the debug API.
func (g *Ipv6Generator) QueueLength() int {
	return g.queue.Size()
}

func (g *Ipv6Generator) process(ctx context.Context, req ipv6Request) (any, error) {
	if g.counter == -1 {
		g.log.Info().Msg("Retrieving IPv6 counter")
		counter, err := g.store.GetIPv6Counter(ctx, g.homeserver)
		if err != nil {
			return nil, err
		}
		g.counter = counter
	}
	g.counter++
	address := req.prefix + ipv6Suffix(g.counter)
	req.config.IPv6Address = address

	// Only real matrix users get their address persisted; the bot's
	// allocation is rebuilt from the counter on restart.
	if req.config.UserID != "" {
		config, err := g.store.GetIrcClientConfig(ctx, req.config.UserID, req.config.Domain)
		if errors.Is(err, datastore.ErrNotFound) {
			config = req.config
		} else if err != nil {
			return nil, err
		}
		config.IPv6Address = address
		g.log.Info().
			Str("user_id", string(config.UserID)).
			Str("address", address).
			Msg("Generated new IPv6 address")
		if err = g.store.StoreIrcClientConfig(ctx, config); err != nil {
			return nil, err
		}
	}
	if err := g.store.SetIPv6Counter(ctx, g.homeserver, g.counter); err != nil {
		return nil, err
	}
	return address, nil
}

// ipv6Suffix hex-encodes n with a ':' inserted every 4 digits counting
// from the right: 0x1a2b3c4d5e6 => "1a2:b3c4:d5e6".
func ipv6Suffix(n int64) string {
	hex := strconv.FormatInt(n, 16)
	if len(hex) <= 4 {
		return hex
	}
	var b strings.Builder
	head := len(hex) % 4
	if head > 0 {
		b.WriteString(hex[:head])
	}
	for i := head; i < len(hex); i += 4 {
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex[i : i+4])
	}
	return b.String()
}
