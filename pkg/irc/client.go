// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/datastore"
)

const (
	nickDelayTimeout  = 10 * time.Second
	whoisDelayTimeout = 10 * time.Second
	joinTimeout       = 15 * time.Second
	namesTimeout      = 5 * time.Second
)

// ClientStatus is the lifecycle state of a BridgedClient. Killed is
// absorbing.
type ClientStatus int

const (
	StatusCreated ClientStatus = iota
	StatusConnecting
	StatusConnected
	StatusDead
	StatusKilled
)

func (s ClientStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDead:
		return "dead"
	case StatusKilled:
		return "killed"
	}
	return "unknown"
}

// Error replies that should reach the user even when the server has
// connection notices disabled.
var errorsToForce = map[string]bool{
	"err_nononreg":         true,
	"err_nosuchnick":       true,
	"err_cannotsendtochan": true,
}

// Join rejections that cannot succeed on retry.
var joinFailCodes = map[string]bool{
	"err_nosuchchannel":   true,
	"err_toomanychannels": true,
	"err_channelisfull":   true,
	"err_inviteonlychan":  true,
	"err_bannedfromchan":  true,
	"err_badchannelkey":   true,
	"err_needreggednick":  true,
}

// Replies that terminate a pending NICK command.
var nickFailCodes = map[string]bool{
	"err_banonchan":        true,
	"err_nickcollision":    true,
	"err_nicknameinuse":    true,
	"err_erroneusnickname": true,
	"err_nonicknamegiven":  true,
	"err_eventnickchange":  true,
	"err_nicktoofast":      true,
	"err_unavailresource":  true,
}

// IdentResponder is the hook into the identd listener. ClientBegin holds
// incoming ident lookups while a registration is in flight so the IRCd
// never sees an empty answer for a connection we are still setting up.
type IdentResponder interface {
	ClientBegin(username string)
	ClientEnd(username string)
	SetMapping(username string, port int)
}

// ClientCallbacks wires a BridgedClient to its pool and broker. Nil fields
// are skipped.
type ClientCallbacks struct {
	// OnCreated runs for every connection attempt before registration, so
	// the broker can attach its hooks in time for early events.
	OnCreated         func(client *BridgedClient, conn *Conn)
	Connected         func(client *BridgedClient)
	Disconnected      func(client *BridgedClient)
	NickChange        func(client *BridgedClient, oldNick, newNick string)
	JoinError         func(client *BridgedClient, channel, code string)
	NickExists        func(server *Server, nick string) bool
	PendingNickAdd    func(server *Server, nick string)
	PendingNickRemove func(server *Server, nick string)
	SendMetadata      func(client *BridgedClient, text string, force bool)
}

// NicksInfo is the outcome of a NAMES query: the channel roster plus the
// subset holding operator power or better.
type NicksInfo struct {
	Channel   string
	Nicks     []string
	Names     map[string]string
	Operators []string
}

var clientIDCounter uint64

// BridgedClient is one Matrix user's session on one IRC network. It owns
// the connection lifecycle and the request/response conversations (join,
// nick change, whois, names) layered over the raw event stream.
type BridgedClient struct {
	id          string
	userID      id.UserID
	displayName string
	isBot       bool
	server      *Server
	config      datastore.IrcClientConfig
	log         zerolog.Logger

	identGen *IdentGenerator
	ipv6Gen  *Ipv6Generator
	identd   IdentResponder
	dial     DialFn
	cb       ClientCallbacks

	// How long to wait for the network to echo a JOIN or PART back before
	// retrying or giving up. Tests shrink this.
	joinTimeout time.Duration

	mu                 sync.Mutex
	status             ClientStatus
	conn               *Conn
	nick               string
	explicitDisconnect bool
	disconnectReason   DisconnectReason
	chanList           map[string]struct{}
	joinFutures        map[string]*joinFuture
	whoisPending       map[string]struct{}
	lastActionTs       time.Time
	idleTimer          *time.Timer
	cachedOperators    map[string]*NicksInfo

	connected     chan struct{}
	connectedOnce sync.Once
	dead          chan struct{}
	deadOnce      sync.Once
}

type joinFuture struct {
	done chan struct{}
	err  error
}

// NewBridgedClient builds a session in the Created state. The desired nick
// comes from the stored config, falling back to the server's nick template
// (or the bot nick), and is coerced into a valid form up front.
func NewBridgedClient(server *Server, config datastore.IrcClientConfig, displayName string, isBot bool,
	identGen *IdentGenerator, ipv6Gen *Ipv6Generator, identd IdentResponder, dial DialFn,
	cb ClientCallbacks, log zerolog.Logger) (*BridgedClient, error) {
	desired := config.DesiredNick
	if desired == "" {
		if isBot {
			desired = server.BotNick()
		} else {
			var err error
			desired, err = server.GetNick(config.UserID, displayName)
			if err != nil {
				return nil, err
			}
		}
	}
	nick, err := GetValidNick(desired, false, 0)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DefaultDial(server)
	}
	clientID := fmt.Sprintf("cli-%d", atomic.AddUint64(&clientIDCounter, 1))
	return &BridgedClient{
		id:          clientID,
		userID:      config.UserID,
		displayName: displayName,
		isBot:       isBot,
		server:      server,
		config:      config,
		log: log.With().
			Str("component", "bridged_client").
			Str("client_id", clientID).
			Str("domain", server.Domain()).
			Stringer("user_id", config.UserID).
			Logger(),
		identGen:        identGen,
		ipv6Gen:         ipv6Gen,
		identd:          identd,
		dial:            dial,
		cb:              cb,
		joinTimeout:     joinTimeout,
		status:          StatusCreated,
		nick:            nick,
		chanList:        make(map[string]struct{}),
		joinFutures:     make(map[string]*joinFuture),
		whoisPending:    make(map[string]struct{}),
		cachedOperators: make(map[string]*NicksInfo),
		connected:       make(chan struct{}),
		dead:            make(chan struct{}),
	}, nil
}

func (bc *BridgedClient) ID() string          { return bc.id }
func (bc *BridgedClient) UserID() id.UserID   { return bc.userID }
func (bc *BridgedClient) DisplayName() string { return bc.displayName }
func (bc *BridgedClient) IsBot() bool         { return bc.isBot }
func (bc *BridgedClient) Server() *Server     { return bc.server }
func (bc *BridgedClient) Log() zerolog.Logger { return bc.log }

// Config returns a snapshot of the stored client config backing this
// session.
func (bc *BridgedClient) Config() datastore.IrcClientConfig {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.config
}

func (bc *BridgedClient) Status() ClientStatus {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.status
}

// IsDead reports whether this session can never carry traffic again.
func (bc *BridgedClient) IsDead() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.status == StatusDead || bc.status == StatusKilled
}

func (bc *BridgedClient) Nick() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.nick
}

func (bc *BridgedClient) ExplicitDisconnect() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.explicitDisconnect
}

func (bc *BridgedClient) DisconnectReason() DisconnectReason {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.disconnectReason
}

func (bc *BridgedClient) LastActionTs() time.Time {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lastActionTs
}

// ChanList returns the channels this session intends to be joined to,
// which is what a reconnect rejoins.
func (bc *BridgedClient) ChanList() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]string, 0, len(bc.chanList))
	for ch := range bc.chanList {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (bc *BridgedClient) connOrNil() *Conn {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.status != StatusConnected {
		return nil
	}
	return bc.conn
}

// Connect resolves the session's identity, opens the transport with retry
// and settles into Connected or Dead.
func (bc *BridgedClient) Connect(ctx context.Context) error {
	bc.mu.Lock()
	if bc.status == StatusKilled {
		bc.mu.Unlock()
		return errors.New("client has been killed")
	}
	bc.status = StatusConnecting
	bc.mu.Unlock()

	names, err := bc.identGen.GetIrcNames(ctx, &bc.config, bc.server.RealnameFormat())
	if err != nil {
		bc.markDead()
		return err
	}

	localAddr := ""
	if prefix := bc.server.IPv6Prefix(); prefix != "" {
		localAddr, err = bc.ipv6Gen.Generate(ctx, prefix, &bc.config)
		if err != nil {
			bc.markDead()
			return errors.Wrap(err, "failed to generate an IPv6 address")
		}
	}

	bc.sendMetadata(fmt.Sprintf("Connecting to the IRC network '%s' as %s...",
		bc.server.Domain(), bc.Nick()), false)

	if bc.identd != nil {
		bc.identd.ClientBegin(names.Username)
		defer bc.identd.ClientEnd(names.Username)
	}

	opts := ConnectionOpts{
		Nick:         bc.Nick(),
		Username:     names.Username,
		Realname:     names.Realname,
		Password:     bc.password(),
		LocalAddress: localAddr,
	}
	conn, err := ConnectWithRetry(ctx, bc.server, opts, bc.log, bc.dial, func(c *Conn) {
		c.OnDisconnect = bc.onDisconnect
		c.Subscribe(bc.internalHandlers(c))
		if bc.cb.OnCreated != nil {
			bc.cb.OnCreated(bc, c)
		}
	})
	if err != nil {
		bc.markDead()
		return err
	}

	bc.mu.Lock()
	if bc.status == StatusKilled {
		bc.mu.Unlock()
		conn.Disconnect(ReasonKilled, "killed")
		return errors.New("client has been killed")
	}
	bc.status = StatusConnected
	bc.conn = conn
	// The network may have coerced our nick; 001's target is the truth.
	bc.nick = conn.Nick()
	bc.mu.Unlock()
	bc.connectedOnce.Do(func() { close(bc.connected) })

	if bc.identd != nil {
		if port := conn.LocalPort(); port > 0 {
			bc.identd.SetMapping(names.Username, port)
		}
	}
	if !bc.isBot {
		if modes := bc.server.UserModes(); modes != "" {
			conn.Mode(conn.Nick(), "+"+modes)
		}
	}

	bc.sendMetadata(fmt.Sprintf("Connected to the IRC network '%s' as %s.",
		bc.server.Domain(), conn.Nick()), false)
	if bc.cb.Connected != nil {
		bc.cb.Connected(bc)
	}
	bc.keepAlive()
	return nil
}

// Reconnect connects and then sequentially rejoins the given channels.
// Individual join failures are logged rather than aborting the rest.
func (bc *BridgedClient) Reconnect(ctx context.Context, channels []string) error {
	if err := bc.Connect(ctx); err != nil {
		return err
	}
	for _, channel := range channels {
		if err := bc.JoinChannel(ctx, channel, ""); err != nil {
			bc.log.Error().Err(err).Str("channel", channel).Msg("Failed to rejoin channel")
		}
	}
	return nil
}

// Disconnect tears down the transport. An explicit disconnect will not be
// auto-reconnected by the pool.
func (bc *BridgedClient) Disconnect(reason DisconnectReason, ircText string, explicit bool) {
	bc.mu.Lock()
	if explicit {
		bc.explicitDisconnect = true
	}
	conn := bc.conn
	connected := bc.status == StatusConnected
	bc.mu.Unlock()
	if !connected || conn == nil {
		// Never connected to the network, nothing to tear down.
		return
	}
	conn.Disconnect(reason, ircText)
}

// Kill moves the session to the absorbing Killed state and drops the
// transport if there is one.
func (bc *BridgedClient) Kill(reason string) {
	bc.mu.Lock()
	bc.status = StatusKilled
	bc.explicitDisconnect = true
	conn := bc.conn
	bc.stopIdleTimerLocked()
	bc.mu.Unlock()
	bc.deadOnce.Do(func() { close(bc.dead) })
	if conn != nil {
		if reason == "" {
			reason = "killed"
		}
		conn.Disconnect(ReasonKilled, reason)
	}
}

// password picks the credential sent as PASS: the per-client stored
// password when one exists, otherwise the server-wide password.
func (bc *BridgedClient) password() string {
	if bc.isBot {
		if pass := bc.server.BotPassword(); pass != "" {
			return pass
		}
		return bc.server.ServerPassword()
	}
	if bc.config.Password != "" {
		return bc.config.Password
	}
	return bc.server.ServerPassword()
}

func (bc *BridgedClient) markDead() {
	bc.mu.Lock()
	if bc.status != StatusKilled {
		bc.status = StatusDead
	}
	bc.stopIdleTimerLocked()
	bc.mu.Unlock()
	bc.deadOnce.Do(func() { close(bc.dead) })
}

func (bc *BridgedClient) onDisconnect(reason DisconnectReason) {
	bc.mu.Lock()
	bc.disconnectReason = reason
	if reason == ReasonBanned {
		// A ban is the network's decision; reconnecting would be abuse.
		bc.explicitDisconnect = true
	}
	if bc.status != StatusKilled {
		bc.status = StatusDead
	}
	bc.stopIdleTimerLocked()
	bc.mu.Unlock()
	bc.deadOnce.Do(func() { close(bc.dead) })

	bc.sendMetadata(fmt.Sprintf("Your connection to the IRC network '%s' has been lost.",
		bc.server.Domain()), false)
	if bc.cb.Disconnected != nil {
		bc.cb.Disconnected(bc)
	}
}

func (bc *BridgedClient) internalHandlers(conn *Conn) *EventHandlers {
	return &EventHandlers{
		NickChange: func(user IrcUser, newNick string, _ []string) {
			bc.mu.Lock()
			self := conn.ToLower(user.Nick) == conn.ToLower(bc.nick)
			oldNick := bc.nick
			if self {
				bc.nick = newNick
			}
			bc.mu.Unlock()
			if self && bc.cb.NickChange != nil {
				bc.cb.NickChange(bc, oldNick, newNick)
			}
		},
		Error: func(code string, params []string) {
			if code == "err_nosuchnick" && bc.whoisInFlightFor(params) {
				return
			}
			bc.sendMetadata(fmt.Sprintf("Received an error on %s: %s %s",
				bc.server.Domain(), code, strings.Join(params, " ")), errorsToForce[code])
		},
	}
}

func (bc *BridgedClient) whoisInFlightFor(params []string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, p := range params {
		if _, ok := bc.whoisPending[p]; ok {
			return true
		}
	}
	return false
}

func (bc *BridgedClient) sendMetadata(text string, force bool) {
	if bc.cb.SendMetadata != nil {
		bc.cb.SendMetadata(bc, text, force)
	}
}

// WaitForConnected blocks until the session is Connected, or fails when it
// dies or the context expires first.
func (bc *BridgedClient) WaitForConnected(ctx context.Context) error {
	bc.mu.Lock()
	switch bc.status {
	case StatusConnected:
		bc.mu.Unlock()
		return nil
	case StatusDead, StatusKilled:
		bc.mu.Unlock()
		return errors.New("client is dead")
	}
	bc.mu.Unlock()
	select {
	case <-bc.connected:
		return nil
	case <-bc.dead:
		return errors.New("client is dead")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinChannel joins the channel, coalescing concurrent calls for the same
// channel into a single wire JOIN.
func (bc *BridgedClient) JoinChannel(ctx context.Context, channel, key string) error {
	bc.mu.Lock()
	if jf, ok := bc.joinFutures[channel]; ok {
		bc.mu.Unlock()
		select {
		case <-jf.done:
			return jf.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	jf := &joinFuture{done: make(chan struct{})}
	bc.joinFutures[channel] = jf
	bc.mu.Unlock()

	jf.err = bc.joinChannel(ctx, channel, key, 1)
	bc.mu.Lock()
	delete(bc.joinFutures, channel)
	bc.mu.Unlock()
	close(jf.done)
	return jf.err
}

func (bc *BridgedClient) joinChannel(ctx context.Context, channel, key string, attempt int) error {
	if err := bc.WaitForConnected(ctx); err != nil {
		return err
	}
	conn := bc.connOrNil()
	if conn == nil {
		return errors.New("not connected")
	}
	if !strings.HasPrefix(channel, "#") {
		// PM target, nothing to join.
		return nil
	}
	if conn.InChannel(channel) {
		bc.addChannel(channel)
		return nil
	}
	if bc.server.IsExcludedChannel(channel) {
		return errors.Errorf("%s is a do-not-track channel", channel)
	}
	if key == "" {
		key = bc.server.ChannelKey(channel)
	}

	joined := make(chan struct{})
	var joinedOnce sync.Once
	failed := make(chan string, 1)
	handlerID := conn.Subscribe(&EventHandlers{
		Join: func(user IrcUser, ch string) {
			if conn.ToLower(user.Nick) == conn.ToLower(bc.Nick()) &&
				conn.ToLower(ch) == conn.ToLower(channel) {
				joinedOnce.Do(func() { close(joined) })
			}
		},
		Error: func(code string, params []string) {
			if !joinFailCodes[code] {
				return
			}
			for _, p := range params {
				if conn.ToLower(p) == conn.ToLower(channel) {
					select {
					case failed <- code:
					default:
					}
					return
				}
			}
		},
	})
	defer conn.Unsubscribe(handlerID)

	bc.log.Debug().Str("channel", channel).Int("attempt", attempt).Msg("Joining channel")
	conn.Join(channel, key)

	timer := time.NewTimer(bc.joinTimeout)
	defer timer.Stop()
	select {
	case <-joined:
		bc.addChannel(channel)
		return nil
	case code := <-failed:
		bc.log.Error().Str("channel", channel).Str("code", code).Msg("Cannot track channel")
		if bc.cb.JoinError != nil {
			bc.cb.JoinError(bc, channel, code)
		}
		bc.sendMetadata(fmt.Sprintf("Could not join %s on '%s': %s",
			channel, bc.server.Domain(), code), true)
		return errors.New(code)
	case <-timer.C:
		// We may have joined but missed the callback window.
		if conn.InChannel(channel) {
			bc.addChannel(channel)
			return nil
		}
		if attempt >= bc.server.JoinAttempts() {
			return errors.Errorf("failed to join %s after multiple tries", channel)
		}
		bc.log.Warn().Str("channel", channel).Msg("Timed out joining channel, retrying")
		return bc.joinChannel(ctx, channel, key, attempt+1)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LeaveChannel parts the channel, waiting for the network to acknowledge.
// No-op for PM targets and channels we never joined.
func (bc *BridgedClient) LeaveChannel(ctx context.Context, channel, reason string) error {
	if !strings.HasPrefix(channel, "#") {
		return nil
	}
	conn := bc.connOrNil()
	if conn == nil {
		return nil
	}
	bc.mu.Lock()
	_, tracked := bc.chanList[channel]
	bc.mu.Unlock()
	if !tracked && !conn.InChannel(channel) {
		return nil
	}

	parted := make(chan struct{})
	var partedOnce sync.Once
	handlerID := conn.Subscribe(&EventHandlers{
		Part: func(user IrcUser, ch, _ string) {
			if conn.ToLower(user.Nick) == conn.ToLower(bc.Nick()) &&
				conn.ToLower(ch) == conn.ToLower(channel) {
				partedOnce.Do(func() { close(parted) })
			}
		},
	})
	defer conn.Unsubscribe(handlerID)

	conn.Part(channel, reason)
	timer := time.NewTimer(bc.joinTimeout)
	defer timer.Stop()
	select {
	case <-parted:
	case <-timer.C:
	case <-ctx.Done():
	}
	bc.removeChannel(channel)
	return nil
}

// InChannel reports whether the underlying connection is joined to the
// channel right now.
func (bc *BridgedClient) InChannel(channel string) bool {
	conn := bc.connOrNil()
	if conn == nil {
		return false
	}
	return conn.InChannel(channel)
}

func (bc *BridgedClient) addChannel(channel string) {
	bc.mu.Lock()
	bc.chanList[channel] = struct{}{}
	bc.mu.Unlock()
}

func (bc *BridgedClient) removeChannel(channel string) {
	bc.mu.Lock()
	delete(bc.chanList, channel)
	bc.mu.Unlock()
}

// ChangeNick validates the new nick, rejects cheap local duplicates, then
// checks the network with a whois before racing the NICK command against
// its failure replies.
func (bc *BridgedClient) ChangeNick(ctx context.Context, newNick string, strict bool) (string, error) {
	maxLen := 0
	if conn := bc.connOrNil(); conn != nil {
		maxLen = conn.NickLen()
	}
	if !bc.server.AllowNickChanges() {
		return "", errors.Errorf("nick changes are not allowed on %s", bc.server.Domain())
	}
	valid, err := GetValidNick(newNick, strict, maxLen)
	if err != nil {
		return "", err
	}
	if valid == bc.Nick() {
		return fmt.Sprintf("Your nick is already set to %s.", valid), nil
	}
	if bc.cb.NickExists != nil && bc.cb.NickExists(bc.server, valid) {
		return "", errors.Errorf("nickname %s is already in use", valid)
	}
	exists, err := bc.CheckNickExists(ctx, valid)
	if err != nil {
		return "", errors.Wrapf(err, "could not verify that %s is free", valid)
	}
	if exists {
		return "", errors.Errorf("the nickname %s is taken on %s", valid, bc.server.Domain())
	}
	return bc.sendNickCommand(ctx, valid)
}

func (bc *BridgedClient) sendNickCommand(ctx context.Context, nick string) (string, error) {
	conn := bc.connOrNil()
	if conn == nil {
		return "", errors.New("not connected")
	}
	oldNick := bc.Nick()
	if bc.cb.PendingNickAdd != nil {
		bc.cb.PendingNickAdd(bc.server, nick)
	}
	defer func() {
		if bc.cb.PendingNickRemove != nil {
			bc.cb.PendingNickRemove(bc.server, nick)
		}
	}()

	changed := make(chan string, 1)
	failCh := make(chan string, 1)
	handlerID := conn.Subscribe(&EventHandlers{
		NickChange: func(user IrcUser, newNick string, _ []string) {
			if conn.ToLower(user.Nick) == conn.ToLower(oldNick) {
				select {
				case changed <- newNick:
				default:
				}
			}
		},
		Error: func(code string, _ []string) {
			if nickFailCodes[code] {
				select {
				case failCh <- code:
				default:
				}
			}
		},
	})
	defer conn.Unsubscribe(handlerID)

	conn.ChangeNick(nick)
	timer := time.NewTimer(nickDelayTimeout)
	defer timer.Stop()
	select {
	case got := <-changed:
		return fmt.Sprintf("Nick changed from '%s' to '%s'.", oldNick, got), nil
	case code := <-failCh:
		return "", errors.Errorf("failed to change nick: %s", code)
	case <-timer.C:
		return "", errors.New("timed out waiting for a response to the nick change")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Whois queries the nick. A nil response means the nick does not exist,
// which is distinct from the request timing out.
func (bc *BridgedClient) Whois(ctx context.Context, nick string) (*WhoisResponse, error) {
	conn := bc.connOrNil()
	if conn == nil {
		return nil, errors.New("not connected")
	}
	bc.mu.Lock()
	bc.whoisPending[nick] = struct{}{}
	bc.mu.Unlock()
	defer func() {
		bc.mu.Lock()
		delete(bc.whoisPending, nick)
		bc.mu.Unlock()
	}()

	result := make(chan *WhoisResponse, 1)
	handlerID := conn.Subscribe(&EventHandlers{
		Whois: func(w *WhoisResponse) {
			if w != nil && conn.ToLower(w.Nick) == conn.ToLower(nick) {
				select {
				case result <- w:
				default:
				}
			}
		},
		Error: func(code string, params []string) {
			if code != "err_nosuchnick" {
				return
			}
			for _, p := range params {
				if conn.ToLower(p) == conn.ToLower(nick) {
					select {
					case result <- nil:
					default:
					}
					return
				}
			}
		},
	})
	defer conn.Unsubscribe(handlerID)

	conn.Whois(nick)
	timer := time.NewTimer(whoisDelayTimeout)
	defer timer.Stop()
	select {
	case w := <-result:
		return w, nil
	case <-timer.C:
		return nil, errors.New("whois request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckNickExists reports whether the nick is present on the network.
func (bc *BridgedClient) CheckNickExists(ctx context.Context, nick string) (bool, error) {
	w, err := bc.Whois(ctx, nick)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}

// GetNicks runs NAMES on the channel and returns the roster.
func (bc *BridgedClient) GetNicks(ctx context.Context, channel string) (*NicksInfo, error) {
	conn := bc.connOrNil()
	if conn == nil {
		return nil, errors.New("not connected")
	}

	result := make(chan map[string]string, 1)
	handlerID := conn.Subscribe(&EventHandlers{
		Names: func(ch string, names map[string]string) {
			if conn.ToLower(ch) == conn.ToLower(channel) {
				select {
				case result <- names:
				default:
				}
			}
		},
	})
	defer conn.Unsubscribe(handlerID)

	conn.Names(channel)
	timer := time.NewTimer(namesTimeout)
	defer timer.Stop()
	select {
	case names := <-result:
		info := &NicksInfo{Channel: channel, Names: names}
		for nick := range names {
			info.Nicks = append(info.Nicks, nick)
		}
		sort.Strings(info.Nicks)
		return info, nil
	case <-timer.C:
		return nil, errors.Errorf("timed out waiting for NAMES on %s", channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetOperators joins the channel, reads the roster, leaves again and
// returns the subset holding "@" or anything the network ranks above it.
// A positive cacheFor keeps the result for that long.
func (bc *BridgedClient) GetOperators(ctx context.Context, channel, key string, cacheFor time.Duration) (*NicksInfo, error) {
	if cacheFor > 0 {
		bc.mu.Lock()
		cached := bc.cachedOperators[channel]
		bc.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
	}

	if err := bc.JoinChannel(ctx, channel, key); err != nil {
		return nil, err
	}
	info, err := bc.GetNicks(ctx, channel)
	leaveErr := bc.LeaveChannel(ctx, channel, "")
	if err != nil {
		return nil, err
	}
	if leaveErr != nil {
		bc.log.Warn().Err(leaveErr).Str("channel", channel).Msg("Failed to leave channel after NAMES")
	}

	conn := bc.connOrNil()
	for _, nick := range info.Nicks {
		prefix := info.Names[nick]
		if prefix == "@" || (conn != nil && conn.IsUserPrefixMorePowerfulThan(prefix, "@")) {
			info.Operators = append(info.Operators, nick)
		}
	}

	if cacheFor > 0 {
		bc.mu.Lock()
		bc.cachedOperators[channel] = info
		bc.mu.Unlock()
		time.AfterFunc(cacheFor, func() {
			bc.mu.Lock()
			delete(bc.cachedOperators, channel)
			bc.mu.Unlock()
		})
	}
	return info, nil
}

// SendAction routes a piece of content to the channel, joining it first if
// needed. Content whose expiry has already passed by the time we can send
// is dropped.
func (bc *BridgedClient) SendAction(ctx context.Context, channel string, action Action, expiry time.Time) error {
	bc.keepAlive()
	switch action.Type {
	case ActionMessage, ActionNotice, ActionEmote:
		return bc.sendMessage(ctx, channel, action.Type, action.Text, expiry)
	case ActionTopic:
		return bc.SetTopic(ctx, channel, action.Text)
	default:
		return errors.Errorf("unknown action type: %s", action.Type)
	}
}

func (bc *BridgedClient) sendMessage(ctx context.Context, channel string, kind ActionType, text string, expiry time.Time) error {
	if err := bc.WaitForConnected(ctx); err != nil {
		return err
	}
	if err := bc.JoinChannel(ctx, channel, ""); err != nil {
		return errors.Wrapf(err, "failed to join %s", channel)
	}
	// The join may have been slow; stale content is worse than no content.
	if !expiry.IsZero() && time.Now().After(expiry) {
		bc.log.Error().Str("channel", channel).Time("expiry", expiry).Msg("Dropping event: too old")
		return nil
	}
	conn := bc.connOrNil()
	if conn == nil {
		return errors.New("not connected")
	}
	switch kind {
	case ActionEmote:
		conn.Action(channel, text)
	case ActionNotice:
		conn.Notice(channel, text)
	default:
		conn.Say(channel, text)
	}
	return nil
}

// SetTopic joins the channel if needed and sets its topic.
func (bc *BridgedClient) SetTopic(ctx context.Context, channel, topic string) error {
	if err := bc.JoinChannel(ctx, channel, ""); err != nil {
		return err
	}
	conn := bc.connOrNil()
	if conn == nil {
		return errors.New("not connected")
	}
	bc.log.Info().Str("channel", channel).Str("topic", topic).Msg("Setting topic")
	conn.SetTopic(channel, topic)
	return nil
}

// Kick removes a nick from a channel we are joined to. Silently a no-op
// when we never were.
func (bc *BridgedClient) Kick(nick, channel, reason string) {
	if reason == "" {
		reason = "User kicked"
	}
	conn := bc.connOrNil()
	if conn == nil || !strings.HasPrefix(channel, "#") || !conn.InChannel(channel) {
		return
	}
	bc.log.Debug().Str("nick", nick).Str("channel", channel).Msg("Kicking user")
	conn.Kick(channel, nick, reason)
}

// SendCommands writes raw protocol lines through the session.
func (bc *BridgedClient) SendCommands(lines ...string) error {
	conn := bc.connOrNil()
	if conn == nil {
		return errors.New("not connected")
	}
	for _, line := range lines {
		conn.SendRaw(line)
	}
	return nil
}

// Mode queries or sets modes through the session.
func (bc *BridgedClient) Mode(target string, modeAndArgs ...string) error {
	conn := bc.connOrNil()
	if conn == nil {
		return errors.New("not connected")
	}
	conn.Mode(target, modeAndArgs...)
	return nil
}

// CaseFold folds per the connected network's casemapping, falling back to
// rfc1459 when not connected.
func (bc *BridgedClient) CaseFold(s string) string {
	if conn := bc.connOrNil(); conn != nil {
		return conn.ToLower(s)
	}
	return CaseFold(s, "")
}

// keepAlive notes activity and restarts the idle watchdog. Bot sessions
// and membership-mirroring networks stay connected regardless.
func (bc *BridgedClient) keepAlive() {
	bc.mu.Lock()
	bc.lastActionTs = time.Now()
	bc.mu.Unlock()
	if bc.isBot || bc.server.ShouldSyncMembershipToIRC() {
		return
	}
	idle := bc.server.IdleTimeout()
	if idle <= 0 {
		return
	}
	bc.mu.Lock()
	if bc.idleTimer != nil {
		bc.idleTimer.Stop()
	}
	bc.idleTimer = time.AfterFunc(idle, func() {
		bc.log.Info().Dur("idle_timeout", idle).Msg("Idle timeout reached, disconnecting")
		bc.Disconnect(ReasonIdle, fmt.Sprintf("Idle timeout reached: %s", idle), true)
	})
	bc.mu.Unlock()
}

func (bc *BridgedClient) stopIdleTimerLocked() {
	if bc.idleTimer != nil {
		bc.idleTimer.Stop()
		bc.idleTimer = nil
	}
}
