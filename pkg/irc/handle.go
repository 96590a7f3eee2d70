// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"bufio"
	"encoding/base64"
	"io"
	"strconv"
	"strings"

	wire "github.com/horgh/irc"
)

// Error numerics mapped to the names the session layer dispatches on.
var errorNumerics = map[string]string{
	"401": "err_nosuchnick",
	"403": "err_nosuchchannel",
	"404": "err_cannotsendtochan",
	"405": "err_toomanychannels",
	"421": "err_unknowncommand",
	"431": "err_nonicknamegiven",
	"432": "err_erroneusnickname",
	"433": "err_nicknameinuse",
	"436": "err_nickcollision",
	"437": "err_unavailresource",
	"438": "err_nicktoofast",
	"441": "err_usernotinchannel",
	"442": "err_notonchannel",
	"443": "err_useronchannel",
	"451": "err_notregistered",
	"462": "err_alreadyregistred",
	"464": "err_passwdmismatch",
	"465": "err_yourebannedcreep",
	"471": "err_channelisfull",
	"472": "err_unknownmode",
	"473": "err_inviteonlychan",
	"474": "err_bannedfromchan",
	"475": "err_badchannelkey",
	"477": "err_needreggednick",
	"481": "err_noprivileges",
	"482": "err_chanoprivsneeded",
	"486": "err_nononreg",
	"491": "err_nooperhost",
	"501": "err_umodeunknownflag",
	"904": "err_saslfail",
	"905": "err_sasltoolong",
}

// Error numerics that do NOT kill the connection: they are ordinary
// operation failures the session layer handles.
var nonFatalErrorCodes = map[string]bool{
	"err_nosuchchannel":    true,
	"err_toomanychannels":  true,
	"err_channelisfull":    true,
	"err_inviteonlychan":   true,
	"err_bannedfromchan":   true,
	"err_badchannelkey":    true,
	"err_needreggednick":   true,
	"err_nosuchnick":       true,
	"err_cannotsendtochan": true,
	"err_erroneusnickname": true,
	"err_usernotinchannel": true,
	"err_notonchannel":     true,
	"err_useronchannel":    true,
	"err_notregistered":    true,
	"err_alreadyregistred": true,
	"err_noprivileges":     true,
	"err_chanoprivsneeded": true,
	"err_nickcollision":    true,
	"err_nicknameinuse":    true,
	"err_nonicknamegiven":  true,
	"err_nicktoofast":      true,
	"err_unknowncommand":   true,
	"err_unavailresource":  true,
	"err_umodeunknownflag": true,
	"err_nononreg":         true,
	"err_nooperhost":       true,
	"err_passwdmismatch":   true,
	"err_unknownmode":      true,
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, wire.MaxLineLength*2), wire.MaxLineLength*2)
	return scanner
}

func (c *Conn) handleMessage(msg wire.Message) {
	from := ParsePrefix(msg.Prefix)
	switch msg.Command {
	case "PING":
		c.send(append([]string{"PONG"}, msg.Params...)...)
	case "PONG":
		// Activity already counted by resetPingTimers on our sends.
	case "ERROR":
		c.handleErrorLine(msg)
	case "CAP":
		c.handleCAP(msg)
	case "AUTHENTICATE":
		if len(msg.Params) > 0 && msg.Params[0] == "+" {
			identity := c.opts.Username
			payload := base64.StdEncoding.EncodeToString(
				[]byte(identity + "\x00" + identity + "\x00" + c.opts.Password))
			c.send("AUTHENTICATE", payload)
		}
	case "903": // SASL success
		c.send("CAP", "END")
	case "001":
		c.handleWelcome(msg)
	case "005":
		c.handleISupport(msg)
	case "PRIVMSG":
		c.handlePrivmsg(from, msg)
	case "NOTICE":
		if len(msg.Params) >= 2 {
			target, text := msg.Params[0], msg.Params[1]
			c.dispatch(func(h *EventHandlers) {
				if h.Notice != nil {
					h.Notice(from, target, text)
				}
			})
		}
	case "JOIN":
		c.handleJoin(from, msg)
	case "PART":
		c.handlePart(from, msg)
	case "KICK":
		c.handleKick(from, msg)
	case "QUIT":
		c.handleQuit(from, msg)
	case "NICK":
		c.handleNick(from, msg)
	case "TOPIC":
		if len(msg.Params) >= 2 {
			channel, topic := msg.Params[0], msg.Params[1]
			c.dispatch(func(h *EventHandlers) {
				if h.Topic != nil {
					h.Topic(from, channel, topic)
				}
			})
		}
	case "332": // RPL_TOPIC on join
		if len(msg.Params) >= 3 {
			channel, topic := msg.Params[1], msg.Params[2]
			c.dispatch(func(h *EventHandlers) {
				if h.Topic != nil {
					h.Topic(from, channel, topic)
				}
			})
		}
	case "INVITE":
		if len(msg.Params) >= 2 {
			invited, channel := msg.Params[0], msg.Params[1]
			c.dispatch(func(h *EventHandlers) {
				if h.Invite != nil {
					h.Invite(from, invited, channel)
				}
			})
		}
	case "MODE":
		c.handleMode(from, msg)
	case "324": // RPL_CHANNELMODEIS
		if len(msg.Params) >= 3 {
			target := msg.Params[1]
			mode := strings.Join(msg.Params[2:], " ")
			c.dispatch(func(h *EventHandlers) {
				if h.ModeIs != nil {
					h.ModeIs(target, mode)
				}
			})
		}
	case "353": // RPL_NAMREPLY
		c.handleNamReply(msg)
	case "366": // RPL_ENDOFNAMES
		c.handleEndOfNames(msg)
	case "311": // RPL_WHOISUSER
		if len(msg.Params) >= 6 {
			c.mu.Lock()
			c.whoisAgg[CaseFold(msg.Params[1], c.casemap)] = &WhoisResponse{
				Nick:     msg.Params[1],
				Username: msg.Params[2],
				Hostname: msg.Params[3],
				Realname: msg.Params[5],
			}
			c.mu.Unlock()
		}
	case "312": // RPL_WHOISSERVER
		if len(msg.Params) >= 3 {
			c.mu.Lock()
			if w := c.whoisAgg[CaseFold(msg.Params[1], c.casemap)]; w != nil {
				w.Server = msg.Params[2]
			}
			c.mu.Unlock()
		}
	case "319": // RPL_WHOISCHANNELS
		if len(msg.Params) >= 3 {
			c.mu.Lock()
			if w := c.whoisAgg[CaseFold(msg.Params[1], c.casemap)]; w != nil {
				w.Channels = strings.Fields(msg.Params[2])
			}
			c.mu.Unlock()
		}
	case "318": // RPL_ENDOFWHOIS
		if len(msg.Params) >= 2 {
			key := CaseFold(msg.Params[1], c.casemap)
			c.mu.Lock()
			whois := c.whoisAgg[key]
			delete(c.whoisAgg, key)
			c.mu.Unlock()
			c.dispatch(func(h *EventHandlers) {
				if h.Whois != nil {
					h.Whois(whois)
				}
			})
		}
	default:
		if name, ok := errorNumerics[msg.Command]; ok {
			c.handleErrorNumeric(name, msg)
		}
	}
}

func (c *Conn) dispatch(fn func(h *EventHandlers)) {
	for _, h := range c.snapshotHandlers() {
		fn(h)
	}
}

func (c *Conn) handleWelcome(msg wire.Message) {
	c.mu.Lock()
	c.state = stateConnected
	if len(msg.Params) > 0 {
		// The server tells us the nick we actually got.
		c.nick = msg.Params[0]
	}
	c.mu.Unlock()
	// Broken servers can repeat 001.
	c.registeredOnce.Do(func() { close(c.registered) })
	c.dispatch(func(h *EventHandlers) {
		if h.Registered != nil {
			h.Registered()
		}
	})
}

func (c *Conn) handleISupport(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, token := range msg.Params[1:] {
		key, value, _ := strings.Cut(token, "=")
		switch key {
		case "NICKLEN":
			if n, err := strconv.Atoi(value); err == nil {
				c.nicklen = n
			}
		case "CASEMAPPING":
			c.casemap = value
		case "PREFIX":
			// "(ov)@+": mode letters then their symbols, strongest first.
			if parsed := parsePrefixToken(value); parsed != nil {
				c.prefixes = parsed
			}
		}
	}
}

func parsePrefixToken(value string) []prefixMapping {
	if !strings.HasPrefix(value, "(") {
		return nil
	}
	end := strings.Index(value, ")")
	if end == -1 {
		return nil
	}
	modes, symbols := value[1:end], value[end+1:]
	if len(modes) != len(symbols) || len(modes) == 0 {
		return nil
	}
	out := make([]prefixMapping, len(modes))
	for i := range modes {
		out[i] = prefixMapping{mode: modes[i], symbol: symbols[i]}
	}
	return out
}

func (c *Conn) handleCAP(msg wire.Message) {
	if len(msg.Params) < 3 {
		return
	}
	switch msg.Params[1] {
	case "ACK":
		if strings.Contains(msg.Params[2], "sasl") {
			c.send("AUTHENTICATE", "PLAIN")
		}
	case "NAK":
		c.log.Warn().Msg("Server refused SASL, proceeding without")
		c.send("CAP", "END")
		if c.opts.Password != "" {
			c.send("PASS", c.opts.Password)
		}
	}
}

func (c *Conn) handlePrivmsg(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target, text := msg.Params[0], msg.Params[1]
	if strings.HasPrefix(text, "\x01") && strings.HasSuffix(text, "\x01") && len(text) > 2 {
		ctcp := text[1 : len(text)-1]
		switch {
		case strings.HasPrefix(ctcp, "ACTION "):
			action := strings.TrimPrefix(ctcp, "ACTION ")
			c.dispatch(func(h *EventHandlers) {
				if h.CTCPAction != nil {
					h.CTCPAction(from, target, action)
				}
			})
		case ctcp == "VERSION" && from.Nick != "":
			c.send("NOTICE", from.Nick,
				"\x01VERSION matrix-irc bridged via "+c.server.HomeserverDomain()+"\x01")
		}
		return
	}
	c.dispatch(func(h *EventHandlers) {
		if h.Message != nil {
			h.Message(from, target, text)
		}
	})
}

func (c *Conn) handleJoin(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 1 {
		return
	}
	channel := msg.Params[0]
	c.mu.Lock()
	key := CaseFold(channel, c.casemap)
	nickKey := CaseFold(from.Nick, c.casemap)
	if c.channels[key] == nil {
		c.channels[key] = make(map[string]string)
	}
	c.channels[key][nickKey] = ""
	c.nickCase[nickKey] = from.Nick
	c.mu.Unlock()
	c.dispatch(func(h *EventHandlers) {
		if h.Join != nil {
			h.Join(from, channel)
		}
	})
}

func (c *Conn) handlePart(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 1 {
		return
	}
	channel := msg.Params[0]
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	c.mu.Lock()
	key := CaseFold(channel, c.casemap)
	nickKey := CaseFold(from.Nick, c.casemap)
	if nickKey == CaseFold(c.nick, c.casemap) {
		delete(c.channels, key)
	} else if c.channels[key] != nil {
		delete(c.channels[key], nickKey)
	}
	c.mu.Unlock()
	c.dispatch(func(h *EventHandlers) {
		if h.Part != nil {
			h.Part(from, channel, reason)
		}
	})
}

func (c *Conn) handleKick(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel, kickee := msg.Params[0], msg.Params[1]
	reason := ""
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	c.mu.Lock()
	key := CaseFold(channel, c.casemap)
	kickeeKey := CaseFold(kickee, c.casemap)
	if kickeeKey == CaseFold(c.nick, c.casemap) {
		delete(c.channels, key)
	} else if c.channels[key] != nil {
		delete(c.channels[key], kickeeKey)
	}
	c.mu.Unlock()
	c.dispatch(func(h *EventHandlers) {
		if h.Kick != nil {
			h.Kick(from, channel, kickee, reason)
		}
	})
}

func (c *Conn) handleQuit(from IrcUser, msg wire.Message) {
	reason := ""
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}
	c.mu.Lock()
	nickKey := CaseFold(from.Nick, c.casemap)
	var channels []string
	for channel, nicks := range c.channels {
		if _, ok := nicks[nickKey]; ok {
			channels = append(channels, channel)
			delete(nicks, nickKey)
		}
	}
	delete(c.nickCase, nickKey)
	c.mu.Unlock()
	c.dispatch(func(h *EventHandlers) {
		if h.Quit != nil {
			h.Quit(from, reason, channels)
		}
	})
}

func (c *Conn) handleNick(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 1 {
		return
	}
	newNick := msg.Params[0]
	c.mu.Lock()
	oldKey := CaseFold(from.Nick, c.casemap)
	newKey := CaseFold(newNick, c.casemap)
	var channels []string
	for channel, nicks := range c.channels {
		if symbol, ok := nicks[oldKey]; ok {
			channels = append(channels, channel)
			delete(nicks, oldKey)
			nicks[newKey] = symbol
		}
	}
	delete(c.nickCase, oldKey)
	c.nickCase[newKey] = newNick
	if oldKey == CaseFold(c.nick, c.casemap) {
		c.nick = newNick
	}
	c.mu.Unlock()
	c.dispatch(func(h *EventHandlers) {
		if h.NickChange != nil {
			h.NickChange(from, newNick, channels)
		}
	})
}

func (c *Conn) handleMode(from IrcUser, msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target := msg.Params[0]
	modes := msg.Params[1]
	args := msg.Params[2:]
	enabled := true
	argIdx := 0
	for _, mode := range modes {
		switch mode {
		case '+':
			enabled = true
			continue
		case '-':
			enabled = false
			continue
		}
		arg := ""
		if c.modeTakesArg(byte(mode), enabled) && argIdx < len(args) {
			arg = args[argIdx]
			argIdx++
		}
		c.applyPrefixMode(target, byte(mode), enabled, arg)
		modeStr, argStr, on := string(mode), arg, enabled
		c.dispatch(func(h *EventHandlers) {
			if h.Mode != nil {
				h.Mode(from, target, modeStr, on, argStr)
			}
		})
	}
}

// modeTakesArg covers the common channel modes: prefix modes always take a
// nick; +k/+b/+l take an argument when set.
func (c *Conn) modeTakesArg(mode byte, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prefixes {
		if p.mode == mode {
			return true
		}
	}
	switch mode {
	case 'b', 'k':
		return true
	case 'l':
		return enabled
	}
	return false
}

func (c *Conn) applyPrefixMode(channel string, mode byte, enabled bool, nick string) {
	if nick == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var symbol byte
	for _, p := range c.prefixes {
		if p.mode == mode {
			symbol = p.symbol
			break
		}
	}
	if symbol == 0 {
		return
	}
	nicks := c.channels[CaseFold(channel, c.casemap)]
	if nicks == nil {
		return
	}
	nickKey := CaseFold(nick, c.casemap)
	if _, ok := nicks[nickKey]; !ok {
		return
	}
	if enabled {
		nicks[nickKey] = string(symbol)
	} else if nicks[nickKey] == string(symbol) {
		nicks[nickKey] = ""
	}
}

func (c *Conn) handleNamReply(msg wire.Message) {
	// :server 353 me = #chan :@alice +bob carol
	if len(msg.Params) < 4 {
		return
	}
	channel := msg.Params[2]
	c.mu.Lock()
	key := CaseFold(channel, c.casemap)
	if c.namesAgg[key] == nil {
		c.namesAgg[key] = make(map[string]string)
	}
	for _, raw := range strings.Fields(msg.Params[3]) {
		symbol := ""
		for len(raw) > 0 && c.isPrefixSymbolLocked(raw[0]) {
			if symbol == "" {
				symbol = string(raw[0])
			}
			raw = raw[1:]
		}
		if raw == "" {
			continue
		}
		c.namesAgg[key][raw] = symbol
		nickKey := CaseFold(raw, c.casemap)
		if c.channels[key] == nil {
			c.channels[key] = make(map[string]string)
		}
		c.channels[key][nickKey] = symbol
		c.nickCase[nickKey] = raw
	}
	c.mu.Unlock()
}

func (c *Conn) isPrefixSymbolLocked(b byte) bool {
	for _, p := range c.prefixes {
		if p.symbol == b {
			return true
		}
	}
	return false
}

func (c *Conn) handleEndOfNames(msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	c.mu.Lock()
	key := CaseFold(channel, c.casemap)
	names := c.namesAgg[key]
	delete(c.namesAgg, key)
	c.mu.Unlock()
	if names == nil {
		names = make(map[string]string)
	}
	c.dispatch(func(h *EventHandlers) {
		if h.Names != nil {
			h.Names(channel, names)
		}
	})
}

func (c *Conn) handleErrorNumeric(name string, msg wire.Message) {
	params := msg.Params
	c.dispatch(func(h *EventHandlers) {
		if h.Error != nil {
			h.Error(name, params)
		}
	})
	if nonFatalErrorCodes[name] {
		return
	}
	if name == "err_yourebannedcreep" {
		c.Disconnect(ReasonBanned, "")
		return
	}
	if name == "err_saslfail" || name == "err_sasltoolong" {
		c.Disconnect(ReasonIrcError, "sasl failed")
		return
	}
	c.Disconnect(ReasonIrcError, "")
}

// handleErrorLine classifies the free-text ERROR sent before the server
// closes the link.
func (c *Conn) handleErrorLine(msg wire.Message) {
	c.log.Error().Strs("params", msg.Params).Msg("Server sent ERROR")
	if len(msg.Params) == 0 {
		c.Disconnect(ReasonRawError, "")
		return
	}
	text := msg.Params[0]
	// ircd-seven X:LINE, e.g. 'Closing Link: host (Bad user info)'
	if strings.Contains(text, "Closing Link") && strings.Contains(text, "(Bad user info)") {
		c.log.Error().Msg("User was X:LINED")
		c.Disconnect(ReasonBanned, "")
		return
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "throttl"):
		c.Disconnect(ReasonThrottled, "")
	case strings.Contains(lower, "banned"), strings.Contains(lower, "k-lined"):
		c.Disconnect(ReasonBanned, "")
	default:
		for _, connLimitMsg := range connLimitMessages {
			if strings.Contains(lower, connLimitMsg) {
				c.Disconnect(ReasonTooManyConns, "")
				return
			}
		}
		c.Disconnect(ReasonRawError, "")
	}
}
