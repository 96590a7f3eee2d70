// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/config"
)

const identQueryTimeout = 30 * time.Second

// Identd answers RFC 1413 queries from IRC servers, mapping the local port
// of each outgoing connection back to the session's ident username.
// Queries are held while any session is mid-registration: the server asks
// about a connection the moment it arrives, which can be before the local
// port mapping is recorded.
type Identd struct {
	cfg config.IdentConfig
	log zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]int
	ports   map[int]string
	ln      net.Listener
	closed  bool
}

func NewIdentd(cfg config.IdentConfig, log zerolog.Logger) *Identd {
	i := &Identd{
		cfg:     cfg,
		log:     log.With().Str("component", "identd").Logger(),
		pending: make(map[string]int),
		ports:   make(map[int]string),
	}
	i.cond = sync.NewCond(&i.mu)
	return i
}

// Start begins listening and serving queries in the background.
func (i *Identd) Start() error {
	addr := net.JoinHostPort(i.cfg.Address, strconv.Itoa(i.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for ident queries on %s: %w", addr, err)
	}
	i.mu.Lock()
	i.ln = ln
	i.mu.Unlock()
	i.log.Info().Stringer("address", ln.Addr()).Msg("Ident responder listening")
	go i.acceptLoop(ln)
	return nil
}

func (i *Identd) Stop() {
	i.mu.Lock()
	i.closed = true
	ln := i.ln
	i.cond.Broadcast()
	i.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Addr returns the listening address, or nil before Start.
func (i *Identd) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return nil
	}
	return i.ln.Addr()
}

func (i *Identd) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			i.mu.Lock()
			closed := i.closed
			i.mu.Unlock()
			if !closed {
				i.log.Error().Err(err).Msg("Ident accept failed")
			}
			return
		}
		go i.handle(conn)
	}
}

// ClientBegin marks a session as mid-registration, pausing query
// responses.
func (i *Identd) ClientBegin(username string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[username]++
}

// ClientEnd releases the hold taken by ClientBegin.
func (i *Identd) ClientEnd(username string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending[username] > 0 {
		i.pending[username]--
		if i.pending[username] == 0 {
			delete(i.pending, username)
		}
	}
	i.cond.Broadcast()
}

// SetMapping records the local port of the username's connection. Port
// zero removes all of the username's mappings instead.
func (i *Identd) SetMapping(username string, port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if port > 0 {
		i.ports[port] = username
		i.log.Debug().Str("username", username).Int("port", port).Msg("Set ident mapping")
		return
	}
	for p, u := range i.ports {
		if u == username {
			delete(i.ports, p)
		}
	}
}

func (i *Identd) waitUntilIdle() {
	deadline := time.Now().Add(identQueryTimeout)
	timer := time.AfterFunc(identQueryTimeout, i.cond.Broadcast)
	defer timer.Stop()
	i.mu.Lock()
	defer i.mu.Unlock()
	for len(i.pending) > 0 && !i.closed && time.Now().Before(deadline) {
		i.cond.Wait()
	}
}

func (i *Identd) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(identQueryTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	localStr, remoteStr, ok := strings.Cut(line, ",")
	if !ok {
		return
	}
	localPort, err := strconv.Atoi(strings.TrimSpace(localStr))
	if err != nil {
		return
	}
	remotePort, err := strconv.Atoi(strings.TrimSpace(remoteStr))
	if err != nil {
		return
	}

	i.waitUntilIdle()
	i.mu.Lock()
	username := i.ports[localPort]
	i.mu.Unlock()

	var response string
	if username == "" {
		response = fmt.Sprintf("%d, %d : ERROR : NO-USER", localPort, remotePort)
	} else {
		response = fmt.Sprintf("%d, %d : USERID : UNIX : %s", localPort, remotePort, username)
	}
	i.log.Debug().Str("response", response).Msg("Answering ident query")
	conn.SetWriteDeadline(time.Now().Add(identQueryTimeout))
	if _, err := conn.Write([]byte(response + "\r\n")); err != nil {
		i.log.Warn().Err(err).Msg("Failed to write ident response")
	}
}
