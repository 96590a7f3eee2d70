// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/config"
	"github.com/aiku/mautrix-irc/pkg/irc"
)

// DebugAPI serves operator endpoints for inspecting and manipulating live
// IRC sessions. It must only be bound to a trusted interface: there is no
// authentication.
type DebugAPI struct {
	bridge *Bridge
	cfg    config.DebugAPIConfig
	log    zerolog.Logger
	srv    *http.Server
	ln     net.Listener
}

func NewDebugAPI(bridge *Bridge, cfg config.DebugAPIConfig, log zerolog.Logger) *DebugAPI {
	d := &DebugAPI{
		bridge: bridge,
		cfg:    cfg,
		log:    log.With().Str("component", "debug_api").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /irc/{domain}/user/{user_id}", d.inspectUser)
	mux.HandleFunc("POST /irc/{domain}/user/{user_id}", d.sendCommands)
	mux.HandleFunc("POST /killUser", d.killUser)
	mux.HandleFunc("GET /inspectUsers", d.inspectUsers)
	mux.HandleFunc("POST /reapUsers", d.reapUsers)
	d.srv = &http.Server{Handler: mux}
	return d
}

func (d *DebugAPI) Start() error {
	ln, err := net.Listen("tcp", d.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen for debug API on %s: %w", d.cfg.Address, err)
	}
	d.ln = ln
	d.log.Info().Stringer("address", ln.Addr()).Msg("Debug API listening")
	go func() {
		if err := d.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Error().Err(err).Msg("Debug API server failed")
		}
	}()
	return nil
}

func (d *DebugAPI) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(ctx); err != nil {
		d.log.Warn().Err(err).Msg("Debug API shutdown failed")
	}
}

// Addr returns the bound address, or nil before Start.
func (d *DebugAPI) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

func (d *DebugAPI) server(w http.ResponseWriter, domain string) *irc.Server {
	server := d.bridge.ServerByDomain(domain)
	if server == nil {
		http.Error(w, fmt.Sprintf("unknown server %q", domain), http.StatusNotFound)
	}
	return server
}

func writeClientState(w *strings.Builder, client *irc.BridgedClient) {
	fmt.Fprintf(w, "Client[%s] status=%s nick=%q domain=%s bot=%t\n",
		client.ID(), client.Status(), client.Nick(), client.Server().Domain(), client.IsBot())
	fmt.Fprintf(w, "  last action: %s\n", client.LastActionTs().Format(time.RFC3339))
	channels := client.ChanList()
	sort.Strings(channels)
	fmt.Fprintf(w, "  channels (%d): %s\n", len(channels), strings.Join(channels, ", "))
}

func (d *DebugAPI) inspectUser(w http.ResponseWriter, r *http.Request) {
	server := d.server(w, r.PathValue("domain"))
	if server == nil {
		return
	}
	userID := id.UserID(r.PathValue("user_id"))
	client := d.bridge.pool.GetByUserID(server, userID)
	if client == nil {
		http.Error(w, fmt.Sprintf("%s has no client on %s", userID, server.Domain()), http.StatusNotFound)
		return
	}
	var out strings.Builder
	writeClientState(&out, client)
	fmt.Fprint(w, out.String())
}

// sendCommands writes the request body's lines directly to the user's IRC
// connection.
func (d *DebugAPI) sendCommands(w http.ResponseWriter, r *http.Request) {
	server := d.server(w, r.PathValue("domain"))
	if server == nil {
		return
	}
	userID := id.UserID(r.PathValue("user_id"))
	client := d.bridge.pool.GetByUserID(server, userID)
	if client == nil {
		http.Error(w, fmt.Sprintf("%s has no client on %s", userID, server.Domain()), http.StatusNotFound)
		return
	}
	var lines []string
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		http.Error(w, "no commands in request body", http.StatusBadRequest)
		return
	}
	d.log.Info().Stringer("user_id", userID).Int("lines", len(lines)).Msg("Sending raw commands")
	if err := client.SendCommands(lines...); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "sent %d commands\n", len(lines))
}

func (d *DebugAPI) killUser(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(strings.TrimSpace(r.FormValue("user_id")))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "Killed by debug API"
	}
	clients := d.bridge.pool.GetForUserID(userID)
	for _, client := range clients {
		d.bridge.pool.RemoveClient(client)
		client.Kill(reason)
	}
	d.log.Info().Stringer("user_id", userID).Int("count", len(clients)).Msg("Killed user clients")
	fmt.Fprintf(w, "killed %d clients\n", len(clients))
}

func (d *DebugAPI) inspectUsers(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("regex")
	if pattern == "" {
		http.Error(w, "regex is required", http.StatusBadRequest)
		return
	}
	matches, err := d.bridge.pool.GetForRegex(pattern)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userIDs := make([]string, 0, len(matches))
	for userID := range matches {
		userIDs = append(userIDs, string(userID))
	}
	sort.Strings(userIDs)
	var out strings.Builder
	for _, userID := range userIDs {
		fmt.Fprintf(&out, "%s:\n", userID)
		for _, client := range matches[id.UserID(userID)] {
			writeClientState(&out, client)
		}
	}
	fmt.Fprintf(&out, "%d users matched\n", len(userIDs))
	fmt.Fprint(w, out.String())
}

// reapUsers disconnects every non-bot session on the server that has been
// idle for at least the given duration.
func (d *DebugAPI) reapUsers(w http.ResponseWriter, r *http.Request) {
	server := d.server(w, r.URL.Query().Get("server"))
	if server == nil {
		return
	}
	since, err := time.ParseDuration(r.URL.Query().Get("since"))
	if err != nil || since <= 0 {
		http.Error(w, "since must be a positive duration like 720h", http.StatusBadRequest)
		return
	}
	cutoff := time.Now().Add(-since)

	matches, err := d.bridge.pool.GetForRegex(".*")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reaped := 0
	for _, clients := range matches {
		for _, client := range clients {
			if client.IsBot() || client.Server() != server {
				continue
			}
			if client.LastActionTs().After(cutoff) {
				continue
			}
			d.bridge.pool.RemoveClient(client)
			client.Disconnect(irc.ReasonIdle, fmt.Sprintf("Idle for %s", since), true)
			reaped++
		}
	}
	d.log.Info().Str("domain", server.Domain()).Int("count", reaped).Msg("Reaped idle clients")
	fmt.Fprintf(w, "reaped %d clients\n", reaped)
}
