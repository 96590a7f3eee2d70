// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/datastore"
)

func TestIpv6SuffixFormatting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{15, "f"},
		{0xabcd, "abcd"},
		{0xabcde, "a:bcde"},
		{0x1a2b3c4d5e6, "1a2:b3c4:d5e6"},
		{0x11112222333344, "11:1122:2233:3344"},
	}
	for _, tt := range tests {
		if got := ipv6Suffix(tt.n); got != tt.want {
			t.Errorf("ipv6Suffix(%#x): got %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestIpv6GenerateSequential(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemStore()
	gen := NewIpv6Generator(store, "example.com", zerolog.Nop())

	addr, err := gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		UserID: "@alice:example.com",
		Domain: "irc.example.net",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if addr != "2001:db8::1" {
		t.Errorf("first address: got %q, want %q", addr, "2001:db8::1")
	}

	addr, err = gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		UserID: "@bob:example.com",
		Domain: "irc.example.net",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if addr != "2001:db8::2" {
		t.Errorf("second address: got %q, want %q", addr, "2001:db8::2")
	}

	counter, err := store.GetIPv6Counter(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if counter != 2 {
		t.Errorf("persisted counter: got %d, want 2", counter)
	}
}

func TestIpv6GenerateReusesExistingAddress(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemStore()
	gen := NewIpv6Generator(store, "example.com", zerolog.Nop())

	addr, err := gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		UserID:      "@alice:example.com",
		Domain:      "irc.example.net",
		IPv6Address: "2001:db8::dead",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if addr != "2001:db8::dead" {
		t.Errorf("got %q, want the existing address back", addr)
	}
	counter, err := store.GetIPv6Counter(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if counter != 0 {
		t.Errorf("counter should be untouched, got %d", counter)
	}
}

func TestIpv6GeneratePersistsUserConfig(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemStore()
	gen := NewIpv6Generator(store, "example.com", zerolog.Nop())

	_, err := gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		UserID: "@alice:example.com",
		Domain: "irc.example.net",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfg, err := store.GetIrcClientConfig(ctx, "@alice:example.com", "irc.example.net")
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if cfg.IPv6Address != "2001:db8::1" {
		t.Errorf("persisted address: got %q", cfg.IPv6Address)
	}
}

func TestIpv6GenerateBotNotPersisted(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemStore()
	gen := NewIpv6Generator(store, "example.com", zerolog.Nop())

	addr, err := gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		Domain:   "irc.example.net",
		Username: "matrixbot",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if addr != "2001:db8::1" {
		t.Errorf("bot address: got %q", addr)
	}
	// The counter advances but no client config is stored for the bot.
	counter, err := store.GetIPv6Counter(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if counter != 1 {
		t.Errorf("counter: got %d, want 1", counter)
	}
}

func TestIpv6GenerateCounterResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemStore()
	if err := store.SetIPv6Counter(ctx, "example.com", 0xffff); err != nil {
		t.Fatal(err)
	}
	gen := NewIpv6Generator(store, "example.com", zerolog.Nop())

	addr, err := gen.Generate(ctx, "2001:db8::", &datastore.IrcClientConfig{
		UserID: "@alice:example.com",
		Domain: "irc.example.net",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if addr != "2001:db8::1:0000" {
		t.Errorf("resumed address: got %q, want %q", addr, "2001:db8::1:0000")
	}
}
