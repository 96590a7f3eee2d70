// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/datastore"
)

func newTestIdentGenerator(t *testing.T) (*IdentGenerator, *datastore.MemStore) {
	t.Helper()
	store := datastore.NewMemStore()
	gen := NewIdentGenerator(store, zerolog.Nop())
	gen.MaxUserNameLength = 8
	return gen, store
}

func occupy(t *testing.T, store *datastore.MemStore, domain, username string, owner id.UserID) {
	t.Helper()
	err := store.StoreIrcClientConfig(context.Background(), &datastore.IrcClientConfig{
		UserID:   owner,
		Domain:   domain,
		Username: username,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetIrcNamesShortUserID(t *testing.T) {
	gen, _ := newTestIdentGenerator(t)
	names, err := gen.GetIrcNames(context.Background(), &datastore.IrcClientConfig{
		UserID: "@bob:hs",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "bobhs" {
		t.Errorf("username: got %q, want %q", names.Username, "bobhs")
	}
	if names.Realname != "@bob:hs" {
		t.Errorf("realname: got %q, want %q", names.Realname, "@bob:hs")
	}
}

func TestGetIrcNamesUsesCachedUsername(t *testing.T) {
	gen, _ := newTestIdentGenerator(t)
	names, err := gen.GetIrcNames(context.Background(), &datastore.IrcClientConfig{
		UserID:   "@alice:example.com",
		Domain:   "irc.example.net",
		Username: "Alice_Stored",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	// Cached usernames are sanitised and truncated, never re-generated.
	if names.Username != "alicesto" {
		t.Errorf("username: got %q, want %q", names.Username, "alicesto")
	}
}

func TestGenerateUsernamePersists(t *testing.T) {
	gen, store := newTestIdentGenerator(t)
	ctx := context.Background()
	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@myreallylonguserid:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "myreally" {
		t.Errorf("username: got %q, want %q", names.Username, "myreally")
	}
	cfg, err := store.GetIrcClientConfig(ctx, "@myreallylonguserid:example.com", "irc.example.net")
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if cfg.Username != "myreally" {
		t.Errorf("persisted username: got %q", cfg.Username)
	}
}

func TestGenerateUsernameSuffixesOnCollision(t *testing.T) {
	gen, store := newTestIdentGenerator(t)
	ctx := context.Background()
	occupy(t, store, "irc.example.net", "myreally", "@other:example.com")

	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@myreallylonguserid:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "myreal_1" {
		t.Errorf("username: got %q, want %q", names.Username, "myreal_1")
	}
}

func TestGenerateUsernameSuffixRollsOver(t *testing.T) {
	gen, store := newTestIdentGenerator(t)
	ctx := context.Background()
	occupy(t, store, "irc.example.net", "myreally", "@u0:example.com")
	for i := 1; i <= 9; i++ {
		occupy(t, store, "irc.example.net", fmt.Sprintf("myreal_%d", i), id.UserID(fmt.Sprintf("@u%d:example.com", i)))
	}

	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@myreallylonguserid:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	// The prefix shrinks so the suffixed name stays within the limit.
	if names.Username != "myrea_10" {
		t.Errorf("username: got %q, want %q", names.Username, "myrea_10")
	}
}

// lookupCountingStore counts username lookups so tests can tell a seeded
// jump from a linear walk.
type lookupCountingStore struct {
	*datastore.MemStore
	lookups int
}

func (s *lookupCountingStore) GetMatrixUserByUsername(ctx context.Context, domain, username string) (id.UserID, error) {
	s.lookups++
	return s.MemStore.GetMatrixUserByUsername(ctx, domain, username)
}

func TestGenerateUsernameSeedsFromPrefixCount(t *testing.T) {
	store := &lookupCountingStore{MemStore: datastore.NewMemStore()}
	gen := NewIdentGenerator(store, zerolog.Nop())
	gen.MaxUserNameLength = 8
	ctx := context.Background()

	occupy(t, store.MemStore, "irc.example.net", "myreally", "@u0:example.com")
	for i := 1; i <= 4; i++ {
		occupy(t, store.MemStore, "irc.example.net", fmt.Sprintf("myreal_%d", i), id.UserID(fmt.Sprintf("@u%d:example.com", i)))
	}

	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@myreallylonguserid:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "myreal_5" {
		t.Errorf("username: got %q, want %q", names.Username, "myreal_5")
	}
	// One lookup for the base name, one for the seeded candidate. A linear
	// walk through _1.._4 would need six.
	if store.lookups > 2 {
		t.Errorf("lookups: got %d, want at most 2", store.lookups)
	}
}

func TestGenerateUsernameOwnHitIsCacheHit(t *testing.T) {
	gen, store := newTestIdentGenerator(t)
	ctx := context.Background()
	occupy(t, store, "irc.example.net", "myreally", "@myreallylonguserid:example.com")

	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@myreallylonguserid:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "myreally" {
		t.Errorf("username: got %q, want %q", names.Username, "myreally")
	}
}

func TestNextIdentUsernameExhaustion(t *testing.T) {
	t.Parallel()
	// Once the prefix has shrunk away entirely there is nothing left to try.
	_, err := nextIdentUsername("a_999")
	if !errors.Is(err, ErrIdentExhausted) {
		t.Errorf("expected ErrIdentExhausted, got %v", err)
	}
}

func TestRealnameFormats(t *testing.T) {
	gen, _ := newTestIdentGenerator(t)
	ctx := context.Background()

	names, err := gen.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@alice:some.long.domain.com",
		Domain: "irc.example.net",
	}, "reverse-mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Realname != "@alice:com.domain.long.some" {
		t.Errorf("reverse-mxid realname: got %q", names.Realname)
	}

	// Non-ASCII is stripped and the result capped.
	gen2, _ := newTestIdentGenerator(t)
	gen2.MaxRealNameLength = 10
	names, err = gen2.GetIrcNames(ctx, &datastore.IrcClientConfig{
		UserID: "@ünïcode-user-with-long-id:example.com",
		Domain: "irc.example.net",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if len(names.Realname) > 10 {
		t.Errorf("realname not truncated: %q", names.Realname)
	}
	for _, r := range names.Realname {
		if r > 127 {
			t.Errorf("realname contains non-ASCII: %q", names.Realname)
		}
	}
}

func TestBotNamesWithoutMatrixUser(t *testing.T) {
	gen, _ := newTestIdentGenerator(t)
	names, err := gen.GetIrcNames(context.Background(), &datastore.IrcClientConfig{
		Domain:   "irc.example.net",
		Username: "matrixbot",
	}, "mxid")
	if err != nil {
		t.Fatalf("GetIrcNames: %v", err)
	}
	if names.Username != "matrixbo" {
		t.Errorf("username: got %q", names.Username)
	}
	if names.Realname != "matrixbot" {
		t.Errorf("realname: got %q", names.Realname)
	}
}
