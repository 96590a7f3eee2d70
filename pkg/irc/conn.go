// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	wire "github.com/horgh/irc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// How long we are willing to wait for RPL_WELCOME after dialing.
	connectTimeout = 30 * time.Second
	// Delay between outbound lines when more than one is queued, to stay
	// under server flood limits.
	floodProtectionDelay = 700 * time.Millisecond
	// Extra backoff after the server told us we are connecting too fast.
	throttleWait = 20 * time.Second

	baseRetryTime = time.Second

	sendQueueDepth = 64
)

// Messages in ERROR lines that mean the network is limiting connections
// from our host. Retrying is pointless until an operator raises the limit.
var connLimitMessages = []string{
	"too many host connections", // ircd-seven
	"no more connections allowed in your connection class",
	"this server is full", // unrealircd
}

// DisconnectReason classifies why a connection ended. The session and pool
// layers dispatch reconnect policy on it.
type DisconnectReason string

const (
	ReasonThrottled    DisconnectReason = "throttled"
	ReasonIrcError     DisconnectReason = "irc_error"
	ReasonNetError     DisconnectReason = "net_error"
	ReasonTimeout      DisconnectReason = "timeout"
	ReasonRawError     DisconnectReason = "raw_error"
	ReasonTooManyConns DisconnectReason = "toomanyconns"
	ReasonBanned       DisconnectReason = "banned"
	ReasonKilled       DisconnectReason = "killed"
	ReasonIdle         DisconnectReason = "idle"
	ReasonLimitReached DisconnectReason = "limit_reached"
	ReasonReconnect    DisconnectReason = "iwanttoreconnect"
	ReasonQuit         DisconnectReason = "quit"
)

// ErrBanned and ErrILined are terminal connect failures: the retry loop
// gives up instead of hammering a network that has rejected us.
var (
	ErrBanned = errors.New("user is banned from the network")
	ErrILined = errors.New("connection was ILINED, cannot retry")
)

// ConnectionOpts carries the identity a connection registers with.
type ConnectionOpts struct {
	Nick     string
	Username string
	Realname string
	// Password is sent as the server PASS, and doubles as the SASL
	// password when SASL is enabled for the server.
	Password string
	// LocalAddress binds the outbound socket, used for per-user IPv6.
	LocalAddress string
}

// DialFn opens the raw socket. Tests inject an in-memory pipe here.
type DialFn func(ctx context.Context, network, addr, localAddr string) (net.Conn, error)

// DefaultDial dials TCP, wrapping in TLS per the server config.
func DefaultDial(server *Server) DialFn {
	return func(ctx context.Context, network, addr, localAddr string) (net.Conn, error) {
		if server.IPv6Only() {
			network = "tcp6"
		}
		dialer := &net.Dialer{Timeout: connectTimeout}
		if localAddr != "" {
			ip := net.ParseIP(localAddr)
			if ip == nil {
				return nil, errors.Errorf("invalid local address %q", localAddr)
			}
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, errors.Wrap(err, "dial failed")
		}
		if !server.UseTLS() {
			return conn, nil
		}
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: server.AllowBadCerts(),
		})
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "tls handshake failed")
		}
		return tlsConn, nil
	}
}

type connState int

const (
	stateCreated connState = iota
	stateConnecting
	stateConnected
)

type prefixMapping struct {
	mode   byte
	symbol byte
}

// Conn is one registered connection to an IRC server. It owns the read and
// write goroutines, parses server lines into events and tracks the channel
// membership visible on this connection.
type Conn struct {
	server *Server
	opts   ConnectionOpts
	log    zerolog.Logger

	// OnDisconnect fires exactly once, and only if registration succeeded.
	// Set before Connect.
	OnDisconnect func(reason DisconnectReason)

	mu       sync.Mutex
	sock     net.Conn
	state    connState
	dead     bool
	nick     string
	nicklen  int
	casemap  string
	prefixes []prefixMapping
	// lower(channel) -> lower(nick) -> strongest prefix symbol
	channels map[string]map[string]string
	nickCase map[string]string // lower(nick) -> display nick
	namesAgg map[string]map[string]string
	whoisAgg map[string]*WhoisResponse

	handlers      map[int]*EventHandlers
	nextHandlerID int

	sendQ      chan string
	registered chan struct{}
	closedCh   chan struct{}
	failReason chan DisconnectReason

	registeredOnce sync.Once
	disconnectOnce sync.Once

	pingSendTimer *time.Timer
	pingDeadTimer *time.Timer
}

func newConn(server *Server, opts ConnectionOpts, log zerolog.Logger) *Conn {
	return &Conn{
		server: server,
		opts:   opts,
		log: log.With().
			Str("component", "connection").
			Str("domain", server.Domain()).
			Str("nick", opts.Nick).
			Logger(),
		nick:       opts.Nick,
		prefixes:   []prefixMapping{{'o', '@'}, {'v', '+'}},
		channels:   make(map[string]map[string]string),
		nickCase:   make(map[string]string),
		namesAgg:   make(map[string]map[string]string),
		whoisAgg:   make(map[string]*WhoisResponse),
		handlers:   make(map[int]*EventHandlers),
		sendQ:      make(chan string, sendQueueDepth),
		registered: make(chan struct{}),
		closedCh:   make(chan struct{}),
		failReason: make(chan DisconnectReason, 1),
	}
}

// Connect performs a single connection attempt: dial, register, wait for
// RPL_WELCOME. onCreated runs before registration so callers can attach
// handlers in time to see early events.
func Connect(ctx context.Context, server *Server, opts ConnectionOpts, log zerolog.Logger, dial DialFn, onCreated func(*Conn)) (*Conn, error) {
	if opts.Nick == "" {
		return nil, errors.New("cannot connect with an empty nick")
	}
	c := newConn(server, opts, log)
	if onCreated != nil {
		onCreated(c)
	}

	sock, err := dial(ctx, "tcp", server.Addr(), opts.LocalAddress)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sock = sock
	c.state = stateConnecting
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
	c.register()

	timeout := time.NewTimer(connectTimeout)
	defer timeout.Stop()
	select {
	case <-c.registered:
		c.resetPingTimers()
		return c, nil
	case reason := <-c.failReason:
		return nil, errors.New(string(reason))
	case <-timeout.C:
		c.log.Error().Msg("Still not connected after timeout, killing connection")
		c.Disconnect(ReasonTimeout, "")
		return nil, errors.New(string(ReasonTimeout))
	case <-ctx.Done():
		c.Disconnect(ReasonTimeout, "")
		return nil, ctx.Err()
	}
}

// ConnectWithRetry keeps attempting Connect with staggered backoff.
// Throttling adds a flat penalty per occurrence; bans and connection-class
// rejections abort permanently.
func ConnectWithRetry(ctx context.Context, server *Server, opts ConnectionOpts, log zerolog.Logger, dial DialFn, onCreated func(*Conn)) (*Conn, error) {
	attempts := 0
	var penalty time.Duration
	for {
		conn, err := Connect(ctx, server, opts, log, dial, onCreated)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempts++
		log.Error().Err(err).Int("attempts", attempts).Msg("Connection attempt failed")
		switch err.Error() {
		case string(ReasonThrottled):
			penalty += throttleWait
		case string(ReasonBanned):
			return nil, ErrBanned
		case string(ReasonTooManyConns):
			return nil, ErrILined
		}
		// Staggered delay to avoid a thundering herd on mass disconnects.
		delay := time.Duration(rand.Int63n(int64(baseRetryTime))) + penalty +
			time.Duration(rand.Int63n(int64(time.Duration(attempts)*time.Second)))
		log.Info().Dur("delay", delay).Msg("Retrying connection")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Conn) register() {
	if c.opts.Password != "" && c.server.UseSASL() {
		c.send("CAP", "REQ", "sasl")
	} else if c.opts.Password != "" {
		c.send("PASS", c.opts.Password)
	}
	c.send("NICK", c.opts.Nick)
	username := c.opts.Username
	if username == "" {
		username = "matrixirc"
	}
	c.send("USER", username, "8", "*", c.opts.Realname)
}

// Subscribe attaches handlers, returning an id for Unsubscribe.
func (c *Conn) Subscribe(h *EventHandlers) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	c.handlers[c.nextHandlerID] = h
	return c.nextHandlerID
}

func (c *Conn) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

func (c *Conn) snapshotHandlers() []*EventHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*EventHandlers, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	return out
}

// Nick returns the nick the server currently knows us by.
func (c *Conn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// NickLen returns the server's NICKLEN, or 0 if not advertised.
func (c *Conn) NickLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nicklen
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected && !c.dead
}

// Dead reports whether the connection has been torn down.
func (c *Conn) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Closed returns a channel closed when the connection dies.
func (c *Conn) Closed() <-chan struct{} {
	return c.closedCh
}

// LocalPort returns the local port of the underlying socket, or 0 when it
// cannot be determined. Identd lookups key on this.
func (c *Conn) LocalPort() int {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return 0
	}
	if addr, ok := sock.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ToLower folds a nick or channel per the server's advertised CASEMAPPING.
func (c *Conn) ToLower(s string) string {
	c.mu.Lock()
	casemap := c.casemap
	c.mu.Unlock()
	return CaseFold(s, casemap)
}

// CaseFold folds per the given IRC casemapping ("ascii" or the default
// rfc1459, where []\^ are the upper-case forms of {}|~).
func CaseFold(s, casemap string) string {
	lower := strings.ToLower(s)
	if casemap == "ascii" {
		return lower
	}
	r := strings.NewReplacer("[", "{", "]", "}", "\\", "|", "^", "~")
	return r.Replace(lower)
}

// InChannel reports whether this connection is joined to the channel.
func (c *Conn) InChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[CaseFold(channel, c.casemap)]
	return ok
}

// Channels returns the channels this connection is joined to.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelNicks returns nick -> strongest prefix symbol for the channel as
// currently known on this connection.
func (c *Conn) ChannelNicks(channel string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	nicks := c.channels[CaseFold(channel, c.casemap)]
	out := make(map[string]string, len(nicks))
	for nick, symbol := range nicks {
		display := nick
		if d, ok := c.nickCase[nick]; ok {
			display = d
		}
		out[display] = symbol
	}
	return out
}

// ModeForPrefix maps a prefix symbol to its channel mode letter, per the
// server's PREFIX advertisement ("@" -> "o").
func (c *Conn) ModeForPrefix(symbol string) string {
	if symbol == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prefixes {
		if p.symbol == symbol[0] {
			return string(p.mode)
		}
	}
	return ""
}

// IsUserPrefixMorePowerfulThan reports whether prefix outranks
// minPrefix in the server's PREFIX ordering. "@" beats "+" everywhere;
// networks with owner/admin prefixes rank those above "@".
func (c *Conn) IsUserPrefixMorePowerfulThan(prefix, minPrefix string) bool {
	if prefix == "" || minPrefix == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rank := func(symbol byte) int {
		for i, p := range c.prefixes {
			if p.symbol == symbol {
				return len(c.prefixes) - i
			}
		}
		return -1
	}
	return rank(prefix[0]) >= rank(minPrefix[0]) && rank(prefix[0]) != -1
}

// Say sends a PRIVMSG.
func (c *Conn) Say(target, text string) {
	for _, line := range c.SplitMessage(target, text) {
		c.send("PRIVMSG", target, line)
	}
}

// Notice sends a NOTICE.
func (c *Conn) Notice(target, text string) {
	for _, line := range c.SplitMessage(target, text) {
		c.send("NOTICE", target, line)
	}
}

// Action sends a CTCP ACTION ("/me").
func (c *Conn) Action(target, text string) {
	c.send("PRIVMSG", target, "\x01ACTION "+text+"\x01")
}

// Join sends JOIN, with the channel key if one is given.
func (c *Conn) Join(channel, key string) {
	if key != "" {
		c.send("JOIN", channel, key)
		return
	}
	c.send("JOIN", channel)
}

func (c *Conn) Part(channel, reason string) {
	c.send("PART", channel, reason)
}

func (c *Conn) Kick(channel, nick, reason string) {
	c.send("KICK", channel, nick, reason)
}

func (c *Conn) SetTopic(channel, topic string) {
	c.send("TOPIC", channel, topic)
}

func (c *Conn) Whois(nick string) {
	c.send("WHOIS", nick)
}

func (c *Conn) Names(channel string) {
	c.send("NAMES", channel)
}

// Mode queries or sets modes: Mode("#chan") queries, Mode("#chan", "+o",
// "nick") sets.
func (c *Conn) Mode(target string, modeAndArgs ...string) {
	c.send(append([]string{"MODE", target}, modeAndArgs...)...)
}

func (c *Conn) ChangeNick(nick string) {
	c.send("NICK", nick)
}

// SendRaw writes one already-formed protocol line.
func (c *Conn) SendRaw(line string) {
	c.enqueue(strings.TrimRight(line, "\r\n") + "\r\n")
}

func (c *Conn) send(params ...string) {
	msg := wire.Message{Command: params[0]}
	if len(params) > 1 {
		msg.Params = params[1:]
	}
	encoded, err := msg.Encode()
	if err != nil && !errors.Is(err, wire.ErrTruncated) {
		c.log.Warn().Err(err).Str("command", params[0]).Msg("Dropping unencodable message")
		return
	}
	c.enqueue(encoded)
}

func (c *Conn) enqueue(line string) {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return
	}
	c.resetPingTimers()
	select {
	case c.sendQ <- line:
	case <-c.closedCh:
	}
}

// SplitMessage splits text into chunks that fit a 512-byte line with our
// full prefix and the PRIVMSG framing, honoring embedded newlines.
func (c *Conn) SplitMessage(target, text string) []string {
	c.mu.Lock()
	nick := c.nick
	c.mu.Unlock()
	// ":<nick>!<user>@<host> PRIVMSG <target> :<text>\r\n", host worst-cased
	// at 63 bytes since we may not know our visible hostname.
	overhead := 1 + len(nick) + 1 + len(c.opts.Username) + 1 + 63 +
		len(" PRIVMSG ") + len(target) + len(" :") + 2
	maxLen := wire.MaxLineLength - overhead
	if maxLen < 1 {
		maxLen = 1
	}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r", ""), "\n") {
		if line == "" {
			continue
		}
		for len(line) > maxLen {
			cut := strings.LastIndex(line[:maxLen], " ")
			if cut < 1 {
				cut = maxLen
			}
			out = append(out, strings.TrimRight(line[:cut], " "))
			line = strings.TrimLeft(line[cut:], " ")
		}
		if line != "" {
			out = append(out, line)
		}
	}
	// Long messages flood channels; past the per-server line budget the
	// tail is replaced with a truncation marker.
	if limit := c.server.LineLimit(); limit > 0 && len(out) > limit {
		out = append(out[:limit-1], "...(truncated)")
	}
	return out
}

// Disconnect tears the connection down. Safe to call repeatedly; only the
// first call wins. OnDisconnect fires only if registration had succeeded.
func (c *Conn) Disconnect(reason DisconnectReason, ircReason string) {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		wasConnected := c.state == stateConnected
		sock := c.sock
		c.stopPingTimersLocked()
		c.mu.Unlock()

		c.log.Info().Str("reason", string(reason)).Msg("Disconnecting")
		if wasConnected && sock != nil {
			if ircReason == "" {
				ircReason = string(reason)
			}
			if msg, err := (wire.Message{Command: "QUIT", Params: []string{ircReason}}).Encode(); err == nil {
				sock.SetWriteDeadline(time.Now().Add(time.Second))
				sock.Write([]byte(msg))
			}
		}
		if sock != nil {
			sock.Close()
		}
		close(c.closedCh)
		if !wasConnected {
			select {
			case c.failReason <- reason:
			default:
			}
		} else if c.OnDisconnect != nil {
			go c.OnDisconnect(reason)
		}
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case line := <-c.sendQ:
			c.mu.Lock()
			sock := c.sock
			c.mu.Unlock()
			if sock == nil {
				return
			}
			sock.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := sock.Write([]byte(line)); err != nil {
				c.log.Error().Err(err).Msg("Write failed")
				c.Disconnect(ReasonNetError, "")
				return
			}
			// Space out bursts to stay under flood limits.
			if len(c.sendQ) > 0 {
				select {
				case <-time.After(floodProtectionDelay):
				case <-c.closedCh:
					return
				}
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *Conn) readLoop() {
	scanner := newLineScanner(c.sock)
	for scanner.Scan() {
		line := scanner.Text()
		msg, err := wire.ParseMessage(line + "\r\n")
		if err != nil {
			c.log.Debug().Err(err).Str("line", line).Msg("Dropping unparsable line")
			continue
		}
		c.handleMessage(msg)
		if c.Dead() {
			return
		}
	}
	c.Disconnect(ReasonNetError, "")
}

func (c *Conn) resetPingTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	if c.pingSendTimer != nil {
		c.pingSendTimer.Stop()
	}
	c.pingSendTimer = time.AfterFunc(c.server.PingRate(), func() {
		if c.Dead() {
			return
		}
		c.send("PING", fmt.Sprintf("LAG%d", time.Now().UnixMilli()))
	})
	if c.pingDeadTimer != nil {
		c.pingDeadTimer.Stop()
	}
	c.pingDeadTimer = time.AfterFunc(c.server.PingTimeout(), func() {
		c.log.Info().Msg("Ping timeout, knifing connection")
		c.Disconnect(ReasonNetError, "ping timeout")
	})
}

func (c *Conn) stopPingTimersLocked() {
	if c.pingSendTimer != nil {
		c.pingSendTimer.Stop()
		c.pingSendTimer = nil
	}
	if c.pingDeadTimer != nil {
		c.pingDeadTimer.Stop()
		c.pingDeadTimer = nil
	}
}
