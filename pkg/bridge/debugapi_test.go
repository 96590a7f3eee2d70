// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/config"
	"github.com/aiku/mautrix-irc/pkg/irc"
)

func newDebugHarness(t *testing.T) (*Bridge, *fakeIRCServer, *irc.BridgedClient) {
	t.Helper()
	b, _, serverCh, _ := newTestBridge(t, func(cfg *config.Config) {
		cfg.IrcService.DebugAPI = config.DebugAPIConfig{Enabled: true, Address: "127.0.0.1:0"}
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	server := b.ServerByDomain("irc.example.net")
	done := make(chan error, 1)
	var client *irc.BridgedClient
	go func() {
		var err error
		client, err = b.GetBridgedClient(context.Background(), server, "@alice:example.com", "alice")
		done <- err
	}()
	srv := <-serverCh
	srv.expect(t, "NICK M-alice")
	srv.sendLine(t, ":irc.example.net 001 M-alice :Welcome")
	if err := <-done; err != nil {
		t.Fatalf("GetBridgedClient: %v", err)
	}
	return b, srv, client
}

func debugURL(b *Bridge, path string) string {
	return fmt.Sprintf("http://%s%s", b.debugAPI.Addr(), path)
}

func httpBody(t *testing.T, resp *http.Response, err error) (int, string) {
	t.Helper()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestDebugAPIInspectUser(t *testing.T) {
	t.Parallel()
	b, _, _ := newDebugHarness(t)

	path := "/irc/irc.example.net/user/" + url.PathEscape("@alice:example.com")
	resp, err := http.Get(debugURL(b, path))
	code, body := httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if !strings.Contains(body, `nick="M-alice"`) || !strings.Contains(body, "status=connected") {
		t.Errorf("body: %s", body)
	}

	path = "/irc/irc.example.net/user/" + url.PathEscape("@nobody:example.com")
	resp, err = http.Get(debugURL(b, path))
	code, _ = httpBody(t, resp, err)
	if code != http.StatusNotFound {
		t.Errorf("unknown user: status %d", code)
	}
}

func TestDebugAPISendCommands(t *testing.T) {
	t.Parallel()
	b, srv, _ := newDebugHarness(t)

	path := "/irc/irc.example.net/user/" + url.PathEscape("@alice:example.com")
	resp, err := http.Post(debugURL(b, path), "text/plain",
		strings.NewReader("PRIVMSG #chan :hello from the operator\n"))
	code, body := httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	srv.expect(t, "PRIVMSG #chan :hello from the operator")
}

func TestDebugAPIKillUser(t *testing.T) {
	t.Parallel()
	b, _, client := newDebugHarness(t)

	resp, err := http.PostForm(debugURL(b, "/killUser"),
		url.Values{"user_id": {"@alice:example.com"}})
	code, body := httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if !strings.Contains(body, "killed 1 clients") {
		t.Errorf("body: %s", body)
	}
	if client.Status() != irc.StatusKilled {
		t.Errorf("status: %v", client.Status())
	}
	server := b.ServerByDomain("irc.example.net")
	if b.pool.GetByUserID(server, id.UserID("@alice:example.com")) != nil {
		t.Error("killed client should be deregistered")
	}
}

func TestDebugAPIInspectUsersRegex(t *testing.T) {
	t.Parallel()
	b, _, _ := newDebugHarness(t)

	resp, err := http.Get(debugURL(b, "/inspectUsers?regex="+url.QueryEscape("@a.*")))
	code, body := httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if !strings.Contains(body, "@alice:example.com") || !strings.Contains(body, "1 users matched") {
		t.Errorf("body: %s", body)
	}

	resp, err = http.Get(debugURL(b, "/inspectUsers?regex="+url.QueryEscape("(")))
	code, _ = httpBody(t, resp, err)
	if code != http.StatusBadRequest {
		t.Errorf("bad regex: status %d", code)
	}
}

func TestDebugAPIReapUsers(t *testing.T) {
	t.Parallel()
	b, _, client := newDebugHarness(t)

	// The client just acted, so a large cutoff reaps nothing.
	resp, err := http.Post(debugURL(b, "/reapUsers?server=irc.example.net&since=720h"), "", nil)
	code, body := httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if !strings.Contains(body, "reaped 0 clients") {
		t.Errorf("body: %s", body)
	}

	// Any idle time at all exceeds a tiny cutoff.
	resp, err = http.Post(debugURL(b, "/reapUsers?server=irc.example.net&since=1ns"), "", nil)
	code, body = httpBody(t, resp, err)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if !strings.Contains(body, "reaped 1 clients") {
		t.Errorf("body: %s", body)
	}
	if !client.ExplicitDisconnect() {
		t.Error("reap must be explicit so the client stays down")
	}
}
