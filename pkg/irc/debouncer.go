// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Short grace period so the rest of a split's QUIT burst arrives before
	// the rate is measured.
	quitWaitDelay = 100 * time.Millisecond
	quitWindow    = time.Second
)

// QuitDebouncer smooths the QUIT spam of a net-split. When quits arrive
// faster than the server's configured threshold, individual leaves are
// held back for a random delay and dropped entirely if the nick rejoins,
// so a split that heals quickly never floods rooms with leave/join churn.
type QuitDebouncer struct {
	server *Server
	log    zerolog.Logger

	mu        sync.Mutex
	quitTimes []time.Time
	rejoins   map[string]chan struct{}

	now func() time.Time
}

func NewQuitDebouncer(server *Server, log zerolog.Logger) *QuitDebouncer {
	return &QuitDebouncer{
		server:  server,
		log:     log.With().Str("component", "quit_debouncer").Str("domain", server.Domain()).Logger(),
		rejoins: make(map[string]chan struct{}),
		now:     time.Now,
	}
}

// OnJoin cancels the pending debounced quit for the nick, if any.
func (d *QuitDebouncer) OnJoin(nick string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.rejoins[nick]; ok {
		close(ch)
		delete(d.rejoins, nick)
	}
}

// DebounceQuit records a QUIT for the nick and reports whether a leave
// should be bridged. It blocks while the debounce delay runs; a false
// return means the nick rejoined and the quit was noise from a split.
func (d *QuitDebouncer) DebounceQuit(ctx context.Context, nick string) bool {
	d.mu.Lock()
	d.quitTimes = append(d.quitTimes, d.now())
	d.mu.Unlock()

	// Let the rest of the burst land before judging the rate.
	select {
	case <-time.After(quitWaitDelay):
	case <-ctx.Done():
		return true
	}

	now := d.now()
	d.mu.Lock()
	kept := d.quitTimes[:0]
	for _, t := range d.quitTimes {
		if now.Sub(t) <= quitWindow {
			kept = append(kept, t)
		}
	}
	d.quitTimes = kept
	recentQuits := len(kept)
	d.mu.Unlock()

	splitOccurring := float64(recentQuits) > d.server.DebounceQuitsPerSecond()
	if !splitOccurring {
		return true
	}

	minDelay := d.server.QuitDebounceDelayMin()
	maxDelay := d.server.QuitDebounceDelayMax()
	delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
	if delay <= 0 {
		return true
	}
	d.log.Info().Str("nick", nick).Dur("delay", delay).Msg("Debouncing quit")

	rejoined := make(chan struct{})
	d.mu.Lock()
	d.rejoins[nick] = rejoined
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.rejoins[nick] == rejoined {
			delete(d.rejoins, nick)
		}
		d.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-rejoined:
		return false
	case <-timer.C:
		d.log.Info().Str("nick", nick).Msg("User did not rejoin")
		return true
	case <-ctx.Done():
		return true
	}
}
