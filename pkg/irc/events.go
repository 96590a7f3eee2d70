// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"strings"
)

// IrcUser identifies the origin of a server line, parsed from its prefix.
type IrcUser struct {
	Nick     string
	Username string
	Hostname string
	// Server is set instead of Nick when the line came from the server
	// itself rather than a user.
	Server string
}

// ParsePrefix splits "nick!user@host" or a bare server name.
func ParsePrefix(prefix string) IrcUser {
	bang := strings.Index(prefix, "!")
	if bang == -1 {
		if strings.Contains(prefix, ".") || prefix == "" {
			return IrcUser{Server: prefix}
		}
		return IrcUser{Nick: prefix}
	}
	user := IrcUser{Nick: prefix[:bang]}
	rest := prefix[bang+1:]
	if at := strings.Index(rest, "@"); at != -1 {
		user.Username = rest[:at]
		user.Hostname = rest[at+1:]
	} else {
		user.Username = rest
	}
	return user
}

// ActionType distinguishes the kinds of content a PRIVMSG/NOTICE carries.
type ActionType string

const (
	ActionMessage ActionType = "message"
	ActionEmote   ActionType = "emote"
	ActionNotice  ActionType = "notice"
	ActionTopic   ActionType = "topic"
)

// Action is a piece of content flowing through the bridge.
type Action struct {
	Type ActionType
	Text string
}

// WhoisResponse aggregates the numerics of one WHOIS exchange. A nil
// *WhoisResponse handed to a waiter means the nick does not exist, which
// is a different outcome from the exchange timing out.
type WhoisResponse struct {
	Nick     string
	Username string
	Hostname string
	Realname string
	Server   string
	Channels []string
}

// EventHandlers receives parsed server events. Any nil field is skipped.
// Handlers run on the connection's read goroutine and must not block.
type EventHandlers struct {
	Registered func()
	Message    func(from IrcUser, target, text string)
	Notice     func(from IrcUser, target, text string)
	CTCPAction func(from IrcUser, target, text string)
	Join       func(user IrcUser, channel string)
	Part       func(user IrcUser, channel, reason string)
	Kick       func(kicker IrcUser, channel, kickee, reason string)
	Quit       func(user IrcUser, reason string, channels []string)
	NickChange func(user IrcUser, newNick string, channels []string)
	Topic      func(user IrcUser, channel, topic string)
	Invite     func(from IrcUser, invited, channel string)
	// Names fires once per completed NAMES reply, with nick -> strongest
	// prefix symbol ("@", "+", or "").
	Names  func(channel string, names map[string]string)
	Mode   func(setBy IrcUser, target, mode string, enabled bool, arg string)
	ModeIs func(target, mode string)
	Whois  func(whois *WhoisResponse)
	// Error fires for error numerics, with the err_* name the session layer
	// dispatches on.
	Error func(code string, params []string)
}

// EventSink is where deduplicated bridge events go. The Matrix side of the
// bridge implements it; everything in this package is agnostic to what
// happens beyond it.
type EventSink interface {
	OnMessage(ctx context.Context, server *Server, from IrcUser, target string, action Action) error
	OnPrivateMessage(ctx context.Context, server *Server, client *BridgedClient, from IrcUser, action Action) error
	OnJoin(ctx context.Context, server *Server, user IrcUser, channel, kind string) error
	OnPart(ctx context.Context, server *Server, user IrcUser, channel, kind string) error
	OnKick(ctx context.Context, server *Server, kicker IrcUser, kickee, channel, reason string) error
	OnMode(ctx context.Context, server *Server, target, setBy, mode string, enabled bool, arg string) error
	OnModeIs(ctx context.Context, server *Server, target, mode string) error
	OnTopic(ctx context.Context, server *Server, from IrcUser, channel, topic string) error
	OnInvite(ctx context.Context, server *Server, from IrcUser, client *BridgedClient, channel string) error
	// OnMetadata surfaces connection status text to the user's admin room.
	OnMetadata(ctx context.Context, client *BridgedClient, text string, force bool) error
}
