// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Claimed hashes older than this are swept. Must exceed the worst-case TCP
// MSL (2min) so a store-and-forward IRCd cannot resurrect a purged line.
const processedCleanupInterval = 10 * time.Minute

type claimEntry struct {
	nick string
	// zero for NAMES claims, which never expire: the claimer stays
	// responsible for a channel's member list for the life of the bridge.
	ts time.Time
}

// ProcessedDict records which session has claimed each server line, keyed
// by domain and line hash. IRC has no message IDs, so the hash is the
// identity of the line itself and claims are how duplicate delivery across
// N user connections is collapsed to exactly one bridge event.
type ProcessedDict struct {
	mu        sync.Mutex
	processed map[string]map[string]claimEntry
	stop      chan struct{}

	now func() time.Time
}

func NewProcessedDict() *ProcessedDict {
	return &ProcessedDict{
		processed: make(map[string]map[string]claimEntry),
		now:       time.Now,
	}
}

// GetClaimer returns the nick that claimed the hash, or "" if unclaimed.
func (p *ProcessedDict) GetClaimer(domain, hash string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[domain][hash].nick
}

// Claim records the nick as responsible for the hash. NAMES claims are
// marked permanent.
func (p *ProcessedDict) Claim(domain, hash, nick, cmd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := claimEntry{nick: nick}
	if cmd != "names" {
		entry.ts = p.now()
	}
	if p.processed[domain] == nil {
		p.processed[domain] = make(map[string]claimEntry)
	}
	p.processed[domain][hash] = entry
}

// StartCleaner sweeps expired claims every cleanup interval until
// StopCleaner is called.
func (p *ProcessedDict) StartCleaner(log zerolog.Logger) {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(processedCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.cleanupExpired(log)
			case <-stop:
				return
			}
		}
	}()
}

func (p *ProcessedDict) StopCleaner() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *ProcessedDict) cleanupExpired(log zerolog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for domain, entries := range p.processed {
		removed := 0
		for hash, entry := range entries {
			if !entry.ts.IsZero() && now.Sub(entry.ts) > processedCleanupInterval {
				delete(entries, hash)
				removed++
			}
		}
		if removed > 0 {
			log.Debug().Str("domain", domain).Int("count", removed).Msg("Cleaned up processed entries")
		}
	}
}
