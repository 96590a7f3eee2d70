// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/config"
)

func startTestIdentd(t *testing.T) *Identd {
	t.Helper()
	i := NewIdentd(config.IdentConfig{Address: "127.0.0.1", Port: 0}, zerolog.Nop())
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(i.Stop)
	return i
}

func queryIdentd(t *testing.T, i *Identd, query string) string {
	t.Helper()
	conn, err := net.Dial("tcp", i.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(query + "\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestIdentdRespondsWithMapping(t *testing.T) {
	t.Parallel()
	i := startTestIdentd(t)
	i.SetMapping("alice", 12345)

	got := queryIdentd(t, i, "12345, 6667")
	want := "12345, 6667 : USERID : UNIX : alice"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIdentdUnknownPortIsNoUser(t *testing.T) {
	t.Parallel()
	i := startTestIdentd(t)

	got := queryIdentd(t, i, "999, 6667")
	want := "999, 6667 : ERROR : NO-USER"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIdentdHoldsQueryDuringRegistration(t *testing.T) {
	t.Parallel()
	i := startTestIdentd(t)

	// The server's query races the mapping during connect. The response
	// must wait for registration to finish instead of saying NO-USER.
	i.ClientBegin("alice")
	go func() {
		time.Sleep(150 * time.Millisecond)
		i.SetMapping("alice", 4242)
		i.ClientEnd("alice")
	}()

	got := queryIdentd(t, i, "4242, 6667")
	want := "4242, 6667 : USERID : UNIX : alice"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIdentdPortZeroClearsMappings(t *testing.T) {
	t.Parallel()
	i := startTestIdentd(t)
	i.SetMapping("alice", 12345)
	i.SetMapping("alice", 0)

	got := queryIdentd(t, i, "12345, 6667")
	if !strings.Contains(got, "NO-USER") {
		t.Errorf("mapping should be gone, got %q", got)
	}
}
