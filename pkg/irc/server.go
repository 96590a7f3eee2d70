// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/config"
)

// Server is the read-only view of one configured IRC network. It wraps the
// yaml config with the accessors the connection core consumes.
type Server struct {
	domain           string
	homeserverDomain string
	cfg              config.ServerConfig
}

func NewServer(domain, homeserverDomain string, cfg config.ServerConfig) *Server {
	return &Server{domain: domain, homeserverDomain: homeserverDomain, cfg: cfg}
}

func (s *Server) Domain() string           { return s.domain }
func (s *Server) Name() string             { return s.cfg.Name }
func (s *Server) HomeserverDomain() string { return s.homeserverDomain }

// Addr returns the host:port dial target.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.domain, s.cfg.Port)
}

func (s *Server) Port() int              { return s.cfg.Port }
func (s *Server) UseTLS() bool           { return s.cfg.SSL }
func (s *Server) AllowBadCerts() bool    { return s.cfg.SSLSelfSigned }
func (s *Server) UseSASL() bool          { return s.cfg.SASL }
func (s *Server) ServerPassword() string { return s.cfg.Password }

func (s *Server) MaxClients() int { return s.cfg.IrcClients.MaxClients }

func (s *Server) IdleTimeout() time.Duration {
	return time.Duration(s.cfg.IrcClients.IdleTimeoutSeconds) * time.Second
}

func (s *Server) ReconnectInterval() time.Duration {
	return time.Duration(s.cfg.IrcClients.ReconnectIntervalMs) * time.Millisecond
}

func (s *Server) ConcurrentReconnectLimit() int {
	return s.cfg.IrcClients.ConcurrentReconnectLimit
}

func (s *Server) JoinAttempts() int { return s.cfg.IrcClients.JoinAttempts }
func (s *Server) LineLimit() int    { return s.cfg.IrcClients.LineLimit }
func (s *Server) UserModes() string { return s.cfg.IrcClients.UserModes }

// RealnameFormat is "mxid" or "reverse-mxid", validated at config load.
func (s *Server) RealnameFormat() string { return s.cfg.IrcClients.RealnameFormat }

func (s *Server) PingRate() time.Duration {
	return time.Duration(s.cfg.IrcClients.PingRateMs) * time.Millisecond
}

func (s *Server) PingTimeout() time.Duration {
	return time.Duration(s.cfg.IrcClients.PingTimeoutMs) * time.Millisecond
}

func (s *Server) IPv6Prefix() string { return s.cfg.IrcClients.IPv6Prefix }
func (s *Server) IPv6Only() bool     { return s.cfg.IrcClients.IPv6Only }

func (s *Server) AllowNickChanges() bool { return s.cfg.IrcClients.AllowNickChanges }

func (s *Server) BotEnabled() bool            { return s.cfg.Bot.Enabled }
func (s *Server) BotNick() string             { return s.cfg.Bot.Nick }
func (s *Server) BotUsername() string         { return s.cfg.Bot.Username }
func (s *Server) BotPassword() string         { return s.cfg.Bot.Password }
func (s *Server) JoinChannelsIfNoUsers() bool { return s.cfg.Bot.JoinChannelsIfNoUsers }
func (s *Server) SendConnectionNotices() bool { return s.cfg.SendConnectionMessages }

func (s *Server) QuitDebounceEnabled() bool { return s.cfg.QuitDebounce.Enabled }

func (s *Server) DebounceQuitsPerSecond() float64 {
	return s.cfg.QuitDebounce.QuitsPerSecond
}

func (s *Server) QuitDebounceDelayMin() time.Duration {
	return time.Duration(s.cfg.QuitDebounce.DelayMinMs) * time.Millisecond
}

func (s *Server) QuitDebounceDelayMax() time.Duration {
	return time.Duration(s.cfg.QuitDebounce.DelayMaxMs) * time.Millisecond
}

// ShouldSyncMembershipToIRC reports whether Matrix membership changes are
// mirrored onto IRC for this network. Sessions on mirroring networks skip
// the idle keepalive, since leaves propagate explicitly.
func (s *Server) ShouldSyncMembershipToIRC() bool {
	return s.cfg.MembershipLists.Enabled && s.cfg.MembershipLists.MirrorMatrixToIRC
}

func (s *Server) ShouldSyncMembershipToMatrix() bool {
	return s.cfg.MembershipLists.Enabled && s.cfg.MembershipLists.MirrorIRCToMatrix
}

// IsExcludedUser reports whether the user may never be bridged to this
// network, with the configured kick reason.
func (s *Server) IsExcludedUser(userID id.UserID) (bool, string) {
	for _, excluded := range s.cfg.ExcludedUsers {
		if excluded.Pattern.MatchString(string(userID)) {
			return true, excluded.KickReason
		}
	}
	return false, ""
}

func (s *Server) IsExcludedChannel(channel string) bool {
	for _, excluded := range s.cfg.ExcludedChannels {
		if strings.EqualFold(excluded, channel) {
			return true
		}
	}
	return false
}

// ChannelKey returns the configured key for an invite-only channel, or "".
func (s *Server) ChannelKey(channel string) string {
	for configured, key := range s.cfg.ChannelKeys {
		if strings.EqualFold(configured, channel) {
			return key
		}
	}
	return ""
}

// GetNick renders the configured nick template for a Matrix user.
// $USERID, $LOCALPART and $DISPLAY are expanded; illegal nick characters
// are stripped from the inputs first. The result still passes through
// GetValidNick before use.
func (s *Server) GetNick(userID id.UserID, displayName string) (string, error) {
	localpart := strings.SplitN(strings.TrimPrefix(string(userID), "@"), ":", 2)[0]
	localpart = stripIllegalNickChars(localpart)
	displayName = stripIllegalNickChars(displayName)
	display := displayName
	if display == "" {
		display = localpart
	}
	if display == "" {
		return "", fmt.Errorf("cannot make a nick for %s: every character is invalid", userID)
	}
	nick := s.cfg.IrcClients.NickTemplate
	nick = strings.ReplaceAll(nick, "$USERID", string(userID))
	nick = strings.ReplaceAll(nick, "$LOCALPART", localpart)
	nick = strings.ReplaceAll(nick, "$DISPLAY", display)
	return nick, nil
}
