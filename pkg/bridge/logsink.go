// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/irc"
)

// LogSink writes every bridged event to the log. It serves standalone runs
// and debugging, where no Matrix side is attached to consume the events.
type LogSink struct {
	log zerolog.Logger
}

var _ irc.EventSink = (*LogSink)(nil)

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "event_sink").Logger()}
}

func (s *LogSink) OnMessage(_ context.Context, server *irc.Server, from irc.IrcUser, target string, action irc.Action) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("from", from.Nick).
		Str("target", target).
		Str("type", string(action.Type)).
		Str("text", action.Text).
		Msg("Channel message")
	return nil
}

func (s *LogSink) OnPrivateMessage(_ context.Context, server *irc.Server, client *irc.BridgedClient, from irc.IrcUser, action irc.Action) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("from", from.Nick).
		Stringer("user_id", client.UserID()).
		Str("type", string(action.Type)).
		Msg("Private message")
	return nil
}

func (s *LogSink) OnJoin(_ context.Context, server *irc.Server, user irc.IrcUser, channel, kind string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("nick", user.Nick).
		Str("channel", channel).
		Str("kind", kind).
		Msg("Join")
	return nil
}

func (s *LogSink) OnPart(_ context.Context, server *irc.Server, user irc.IrcUser, channel, kind string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("nick", user.Nick).
		Str("channel", channel).
		Str("kind", kind).
		Msg("Part")
	return nil
}

func (s *LogSink) OnKick(_ context.Context, server *irc.Server, kicker irc.IrcUser, kickee, channel, reason string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("kicker", kicker.Nick).
		Str("kickee", kickee).
		Str("channel", channel).
		Str("reason", reason).
		Msg("Kick")
	return nil
}

func (s *LogSink) OnMode(_ context.Context, server *irc.Server, target, setBy, mode string, enabled bool, arg string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("target", target).
		Str("set_by", setBy).
		Str("mode", mode).
		Bool("enabled", enabled).
		Str("arg", arg).
		Msg("Mode change")
	return nil
}

func (s *LogSink) OnModeIs(_ context.Context, server *irc.Server, target, mode string) error {
	s.log.Debug().
		Str("domain", server.Domain()).
		Str("target", target).
		Str("mode", mode).
		Msg("Current mode")
	return nil
}

func (s *LogSink) OnTopic(_ context.Context, server *irc.Server, from irc.IrcUser, channel, topic string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("from", from.Nick).
		Str("channel", channel).
		Str("topic", topic).
		Msg("Topic change")
	return nil
}

func (s *LogSink) OnInvite(_ context.Context, server *irc.Server, from irc.IrcUser, client *irc.BridgedClient, channel string) error {
	s.log.Info().
		Str("domain", server.Domain()).
		Str("from", from.Nick).
		Stringer("user_id", client.UserID()).
		Str("channel", channel).
		Msg("Invite")
	return nil
}

func (s *LogSink) OnMetadata(_ context.Context, client *irc.BridgedClient, text string, force bool) error {
	s.log.Info().
		Stringer("user_id", client.UserID()).
		Str("text", text).
		Bool("force", force).
		Msg("Connection notice")
	return nil
}
