// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package datastore persists per-user IRC connection settings: the ident
// username and IPv6 address a Matrix user was allocated on each IRC
// network, plus their stored NickServ password. Usernames and addresses
// are scarce resources, so allocations must survive restarts.
package datastore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("datastore: not found")

// IrcClientConfig holds one Matrix user's connection settings for one IRC
// network. Password is stored encrypted when a StringCrypto is configured.
type IrcClientConfig struct {
	UserID      id.UserID
	Domain      string
	Username    string
	Password    string
	DesiredNick string
	IPv6Address string
}

// Store is the persistence boundary for client configs and allocation
// counters. Implementations must be safe for concurrent use.
type Store interface {
	// GetIrcClientConfig returns the stored config for the user on the given
	// IRC network, or ErrNotFound.
	GetIrcClientConfig(ctx context.Context, userID id.UserID, domain string) (*IrcClientConfig, error)
	// StoreIrcClientConfig inserts or replaces the config keyed by
	// (UserID, Domain).
	StoreIrcClientConfig(ctx context.Context, config *IrcClientConfig) error
	// GetMatrixUserByUsername returns the user that owns the given ident
	// username on the given network, or ErrNotFound. Used to keep usernames
	// unique.
	GetMatrixUserByUsername(ctx context.Context, domain, username string) (id.UserID, error)
	// GetCountForUsernamePrefix returns how many stored usernames on the
	// network start with prefix. Seeds the ident suffix search.
	GetCountForUsernamePrefix(ctx context.Context, domain, prefix string) (int, error)
	// GetIPv6Counter returns the last allocated IPv6 suffix for the homeserver.
	GetIPv6Counter(ctx context.Context, homeserver string) (int64, error)
	// SetIPv6Counter persists the IPv6 allocation counter for the homeserver.
	SetIPv6Counter(ctx context.Context, homeserver string, counter int64) error
	// GetTrackedChannelsForServer returns the channels the bridge has mapped
	// rooms for on the given network.
	GetTrackedChannelsForServer(ctx context.Context, domain string) ([]string, error)
	// GetMatrixRoomsForChannel returns the rooms mapped to the channel.
	GetMatrixRoomsForChannel(ctx context.Context, domain, channel string) ([]id.RoomID, error)
}

type clientKey struct {
	userID id.UserID
	domain string
}

// MemStore is a Store backed by process memory. Suitable for tests and for
// deployments that accept losing allocations on restart.
type MemStore struct {
	mu       sync.RWMutex
	configs  map[clientKey]*IrcClientConfig
	counters map[string]int64
	rooms    map[string]map[string][]id.RoomID
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		configs:  make(map[clientKey]*IrcClientConfig),
		counters: make(map[string]int64),
		rooms:    make(map[string]map[string][]id.RoomID),
	}
}

func (m *MemStore) GetIrcClientConfig(_ context.Context, userID id.UserID, domain string) (*IrcClientConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[clientKey{userID, domain}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemStore) StoreIrcClientConfig(_ context.Context, config *IrcClientConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *config
	m.configs[clientKey{config.UserID, config.Domain}] = &cp
	return nil
}

func (m *MemStore) GetMatrixUserByUsername(_ context.Context, domain, username string) (id.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, cfg := range m.configs {
		if key.domain == domain && cfg.Username == username {
			return cfg.UserID, nil
		}
	}
	return "", ErrNotFound
}

func (m *MemStore) GetCountForUsernamePrefix(_ context.Context, domain, prefix string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for key, cfg := range m.configs {
		if key.domain == domain && strings.HasPrefix(cfg.Username, prefix) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) GetIPv6Counter(_ context.Context, homeserver string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[homeserver], nil
}

func (m *MemStore) SetIPv6Counter(_ context.Context, homeserver string, counter int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[homeserver] = counter
	return nil
}

func (m *MemStore) GetTrackedChannelsForServer(_ context.Context, domain string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make([]string, 0, len(m.rooms[domain]))
	for channel := range m.rooms[domain] {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels, nil
}

func (m *MemStore) GetMatrixRoomsForChannel(_ context.Context, domain, channel string) ([]id.RoomID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]id.RoomID(nil), m.rooms[domain][channel]...), nil
}

// AddRoomMapping associates a Matrix room with a channel on the network.
func (m *MemStore) AddRoomMapping(domain, channel string, roomID id.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[domain] == nil {
		m.rooms[domain] = make(map[string][]id.RoomID)
	}
	m.rooms[domain][channel] = append(m.rooms[domain][channel], roomID)
}
