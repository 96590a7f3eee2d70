// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// How long a channel's in-flight event may hold up the next one before it
// jumps the queue. Ordering is best effort, liveness is not.
const channelBufferTimeout = 5 * time.Second

// Broker routes events from every session's event stream to the sink
// exactly once. Every connected session hears the same server lines on its
// own TCP stream; when the server's bot is enabled the bot relays
// everything and nobody else does, otherwise the sessions race to claim
// each line in the processed table and only the winner forwards it.
type Broker struct {
	ctx       context.Context
	pool      *ClientPool
	sink      EventSink
	processed *ProcessedDict
	log       zerolog.Logger

	mu         sync.Mutex
	debouncers map[string]*QuitDebouncer
	// channel key -> completion of the last buffered event for it.
	channelBuf map[string]chan struct{}
}

func NewBroker(ctx context.Context, pool *ClientPool, sink EventSink, servers []*Server, log zerolog.Logger) *Broker {
	b := &Broker{
		ctx:        ctx,
		pool:       pool,
		sink:       sink,
		processed:  NewProcessedDict(),
		log:        log.With().Str("component", "event_broker").Logger(),
		debouncers: make(map[string]*QuitDebouncer),
		channelBuf: make(map[string]chan struct{}),
	}
	b.processed.StartCleaner(b.log)
	for _, server := range servers {
		if server.QuitDebounceEnabled() {
			b.debouncers[server.Domain()] = NewQuitDebouncer(server, log)
		}
	}
	return b
}

// Stop halts the claim table sweeper.
func (b *Broker) Stop() {
	b.processed.StopCleaner()
}

func (b *Broker) debouncer(server *Server) *QuitDebouncer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debouncers[server.Domain()]
}

// SendMetadata surfaces connection status text for the client's user.
// Bot noise and servers with connection notices disabled are suppressed
// unless the message is forced.
func (b *Broker) SendMetadata(client *BridgedClient, text string, force bool) {
	if (client.IsBot() || !client.Server().SendConnectionNotices()) && !force {
		return
	}
	if err := b.sink.OnMetadata(b.ctx, client, text, force); err != nil {
		b.log.Error().Err(err).Stringer("user_id", client.UserID()).Msg("Failed to send metadata")
	}
}

// prefixString rebuilds the wire prefix the event came from. Identical
// lines heard on different sessions rebuild identical prefixes, which is
// what makes it usable as a claim hash component.
func prefixString(user IrcUser) string {
	if user.Server != "" {
		return user.Server
	}
	s := user.Nick
	if user.Username != "" {
		s += "!" + user.Username
	}
	if user.Hostname != "" {
		s += "@" + user.Hostname
	}
	return s
}

// claimed reports whether this client should forward the event. With the
// bot enabled only the bot relays and no claiming happens; otherwise
// non-bot sessions race for the claim.
func (b *Broker) claimed(client *BridgedClient, user IrcUser, command string, args ...string) bool {
	if client.Server().BotEnabled() {
		return client.IsBot()
	}
	if client.IsBot() {
		return false
	}
	hash := prefixString(user) + command + strings.Join(args, "")
	return b.attemptClaim(client, hash, command)
}

func (b *Broker) attemptClaim(client *BridgedClient, hash, command string) bool {
	domain := client.Server().Domain()
	claimer := b.processed.GetClaimer(domain, hash)
	if claimer == "" || claimer == client.Nick() {
		b.processed.Claim(domain, hash, client.Nick(), command)
		return true
	}
	if owner := b.pool.GetByNick(client.Server(), claimer); owner == nil {
		// The previous claimant is gone and can never process this.
		b.log.Debug().
			Str("nick", client.Nick()).
			Str("previous", claimer).
			Str("hash", hash).
			Msg("Stealing hash from dead client")
		b.processed.Claim(domain, hash, client.Nick(), command)
		return true
	}
	return false
}

// bufferToChannel chains fn behind the channel's previous event, with a
// bounded slip: if the predecessor is still running after the timeout, fn
// proceeds anyway.
func (b *Broker) bufferToChannel(domain, channel string, fn func()) {
	key := domain + "/" + strings.ToLower(channel)
	b.mu.Lock()
	prev := b.channelBuf[key]
	done := make(chan struct{})
	b.channelBuf[key] = done
	b.mu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-time.After(channelBufferTimeout):
				b.log.Warn().Str("channel", channel).
					Msg("Previous event still processing, proceeding out of order")
			}
		}
		fn()
	}()
}

func isValidNick(nick string) bool {
	return nick != "" && validNickStart.MatchString(nick)
}

// AddHooks subscribes the broker to a session's connection. It runs for
// every connection attempt, before registration, so no early event is
// missed.
func (b *Broker) AddHooks(client *BridgedClient, conn *Conn) {
	server := client.Server()
	sink := b.sink
	logErr := func(err error, what string) {
		if err != nil {
			b.log.Error().Err(err).Str("event", what).Str("domain", server.Domain()).Msg("Event sink failed")
		}
	}

	// NAMES results are drained one at a time so a big channel sync cannot
	// flood the other side with joins. Each entry may chain a +mode for the
	// nick's prefix.
	var namesMu sync.Mutex
	var namesBucket []namesEntry
	draining := false
	drainNames := func() {
		for {
			namesMu.Lock()
			if len(namesBucket) == 0 {
				draining = false
				namesMu.Unlock()
				return
			}
			entry := namesBucket[len(namesBucket)-1]
			namesBucket = namesBucket[:len(namesBucket)-1]
			namesMu.Unlock()

			logErr(sink.OnJoin(b.ctx, server, IrcUser{Nick: entry.nick}, entry.channel, "names"), "names_join")
			if entry.opLevel == "" {
				continue
			}
			mode := conn.ModeForPrefix(entry.opLevel)
			if mode == "" {
				continue
			}
			logErr(sink.OnMode(b.ctx, server, entry.channel, entry.nick, mode, true, entry.nick), "names_mode")
		}
	}

	conn.Subscribe(&EventHandlers{
		Message: func(from IrcUser, target, text string) {
			if !strings.HasPrefix(target, "#") {
				// PMs only arrive on the one session they are for; no claiming.
				if !isValidNick(target) {
					return
				}
				go logErr(sink.OnPrivateMessage(b.ctx, server, client, from,
					Action{Type: ActionMessage, Text: text}), "private_message")
				return
			}
			if !b.claimed(client, from, "PRIVMSG", target, text) {
				return
			}
			b.bufferToChannel(server.Domain(), target, func() {
				logErr(sink.OnMessage(b.ctx, server, from, target,
					Action{Type: ActionMessage, Text: text}), "message")
			})
		},
		Notice: func(from IrcUser, target, text string) {
			if from.Nick == "" {
				// Server notices stay on IRC.
				return
			}
			if !strings.HasPrefix(target, "#") {
				if !isValidNick(target) {
					return
				}
				go logErr(sink.OnPrivateMessage(b.ctx, server, client, from,
					Action{Type: ActionNotice, Text: text}), "private_notice")
				return
			}
			if !b.claimed(client, from, "NOTICE", target, text) {
				return
			}
			b.bufferToChannel(server.Domain(), target, func() {
				logErr(sink.OnMessage(b.ctx, server, from, target,
					Action{Type: ActionNotice, Text: text}), "notice")
			})
		},
		CTCPAction: func(from IrcUser, target, text string) {
			if !strings.HasPrefix(target, "#") {
				if !isValidNick(target) {
					return
				}
				go logErr(sink.OnPrivateMessage(b.ctx, server, client, from,
					Action{Type: ActionEmote, Text: text}), "private_emote")
				return
			}
			if !b.claimed(client, from, "CTCP_ACTION", target, text) {
				return
			}
			go logErr(sink.OnMessage(b.ctx, server, from, target,
				Action{Type: ActionEmote, Text: text}), "emote")
		},
		Invite: func(from IrcUser, invited, channel string) {
			// Invites only arrive on the invited session.
			go logErr(sink.OnInvite(b.ctx, server, from, client, channel), "invite")
		},
		ModeIs: func(target, mode string) {
			// Only the bot issues mode queries, so only it hears the answer.
			if !client.IsBot() {
				return
			}
			go logErr(sink.OnModeIs(b.ctx, server, target, mode), "mode_is")
		},
		Join: func(user IrcUser, channel string) {
			if !server.ShouldSyncMembershipToMatrix() {
				return
			}
			if !b.claimed(client, user, "JOIN", channel) {
				return
			}
			if d := b.debouncer(server); d != nil {
				d.OnJoin(user.Nick)
			}
			go logErr(sink.OnJoin(b.ctx, server, user, channel, "join"), "join")
		},
		Part: func(user IrcUser, channel, reason string) {
			if !server.ShouldSyncMembershipToMatrix() {
				return
			}
			if !b.claimed(client, user, "PART", channel, reason) {
				return
			}
			go logErr(sink.OnPart(b.ctx, server, user, channel, "part"), "part")
		},
		Kick: func(kicker IrcUser, channel, kickee, reason string) {
			if !b.claimed(client, kicker, "KICK", channel, kickee, reason) {
				return
			}
			go logErr(sink.OnKick(b.ctx, server, kicker, kickee, channel, reason), "kick")
		},
		Quit: func(user IrcUser, reason string, channels []string) {
			if !server.ShouldSyncMembershipToMatrix() {
				return
			}
			if !b.claimed(client, user, "QUIT", reason) {
				return
			}
			go func() {
				if d := b.debouncer(server); d != nil {
					if !d.DebounceQuit(b.ctx, user.Nick) {
						// The nick rejoined; the quit was netsplit noise.
						return
					}
				}
				for _, channel := range channels {
					logErr(sink.OnPart(b.ctx, server, user, channel, "quit"), "quit")
				}
			}()
		},
		NickChange: func(user IrcUser, newNick string, channels []string) {
			if !b.claimed(client, user, "NICK", newNick) {
				return
			}
			go func() {
				for _, channel := range channels {
					logErr(sink.OnPart(b.ctx, server, user, channel, "nick"), "nick_part")
					logErr(sink.OnJoin(b.ctx, server, IrcUser{Nick: newNick}, channel, "nick"), "nick_join")
				}
			}()
		},
		Topic: func(user IrcUser, channel, topic string) {
			if !strings.HasPrefix(channel, "#") {
				return
			}
			if !b.claimed(client, user, "TOPIC", channel, topic) {
				return
			}
			go logErr(sink.OnTopic(b.ctx, server, user, channel, topic), "topic")
		},
		Mode: func(setBy IrcUser, target, mode string, enabled bool, arg string) {
			sign := "-"
			if enabled {
				sign = "+"
			}
			if !b.claimed(client, setBy, sign+"MODE", target, mode, arg) {
				return
			}
			go logErr(sink.OnMode(b.ctx, server, target, setBy.Nick, mode, enabled, arg), "mode")
		},
		Names: func(channel string, names map[string]string) {
			if !server.ShouldSyncMembershipToMatrix() {
				return
			}
			// NAMES is multi-line and every joining session hears it, so the
			// claim covers the channel only and never expires.
			if !b.claimed(client, IrcUser{Server: "server_sent"}, "names", channel) {
				return
			}
			namesMu.Lock()
			for nick, opLevel := range names {
				namesBucket = append(namesBucket, namesEntry{channel: channel, nick: nick, opLevel: opLevel})
			}
			count := len(namesBucket)
			start := !draining
			if start {
				draining = true
			}
			namesMu.Unlock()
			b.log.Info().Str("channel", channel).Int("bucket", count).Msg("Queued NAMES entries")
			if start {
				go drainNames()
			}
		},
	})
}

type namesEntry struct {
	channel string
	nick    string
	opLevel string
}
