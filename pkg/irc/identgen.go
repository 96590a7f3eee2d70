// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/datastore"
	"github.com/aiku/mautrix-irc/pkg/queue"
)

// ErrIdentExhausted means every username of the maximum length with every
// possible numeric suffix is taken. There is no nick to retry with, so the
// connection attempt must fail permanently.
var ErrIdentExhausted = errors.New("ran out of ident usernames")

const (
	// Limits on <username> and <realname> in USER commands.
	defaultMaxUserNameLength = 10
	defaultMaxRealNameLength = 48

	identSuffixDelim = "_"
)

var (
	// RFC 1459 sect 2.3.1 username characters, minus '_' which is reserved
	// as the collision suffix delimiter.
	illegalUsernameChars = regexp.MustCompile("[^A-Za-z0-9\\]\\[\\^\\\\{}\\-`]")
	nonASCII             = regexp.MustCompile(`[^\x00-\x7F]`)
)

// IrcNames is the identity a session registers with.
type IrcNames struct {
	Username string
	Realname string
}

// IdentGenerator allocates unique ident usernames per (user, network).
// Requests are serialized through a queue so two racing user IDs can never
// be handed the same username before either is persisted.
type IdentGenerator struct {
	// Overridable in tests to keep collision fixtures short.
	MaxUserNameLength int
	MaxRealNameLength int

	store datastore.Store
	log   zerolog.Logger
	queue *queue.Queue[identRequest]
}

type identRequest struct {
	userID id.UserID
	config *datastore.IrcClientConfig
}

func NewIdentGenerator(store datastore.Store, log zerolog.Logger) *IdentGenerator {
	g := &IdentGenerator{
		MaxUserNameLength: defaultMaxUserNameLength,
		MaxRealNameLength: defaultMaxRealNameLength,
		store:             store,
		log:               log.With().Str("component", "ident_generator").Logger(),
	}
	g.queue = queue.New(g.process)
	return g
}

// GetIrcNames resolves the username and realname for the given stored
// config. A cached username is reused as-is; otherwise a fresh one is
// allocated and persisted before this returns. realnameFormat is "mxid"
// or "reverse-mxid".
func (g *IdentGenerator) GetIrcNames(ctx context.Context, config *datastore.IrcClientConfig, realnameFormat string) (IrcNames, error) {
	var names IrcNames
	if config.UserID != "" {
		names.Realname = g.realnameForUser(config.UserID, realnameFormat)
	} else {
		names.Realname = truncate(sanitiseRealname(config.Username), g.MaxRealNameLength)
	}

	switch {
	case config.Username != "":
		g.log.Debug().
			Str("user_id", string(config.UserID)).
			Str("domain", config.Domain).
			Str("username", config.Username).
			Msg("Using cached ident username")
		names.Username = truncate(g.sanitiseUsername(config.Username), g.MaxUserNameLength)
	case config.UserID != "":
		fut := g.queue.Enqueue(string(config.UserID), identRequest{userID: config.UserID, config: config})
		val, err := fut.Wait(ctx)
		if err != nil {
			return IrcNames{}, fmt.Errorf("failed to generate ident username for %s on %s: %w", config.UserID, config.Domain, err)
		}
		names.Username = val.(string)
	default:
		return IrcNames{}, errors.New("ident request has neither a username nor a user ID")
	}
	return names, nil
}

// QueueLength is exposed for the debug API.
func (g *IdentGenerator) QueueLength() int {
	return g.queue.Size()
}

func (g *IdentGenerator) process(ctx context.Context, req identRequest) (any, error) {
	g.log.Debug().
		Str("user_id", string(req.userID)).
		Str("domain", req.config.Domain).
		Msg("Generating ident username")
	uname, err := g.generateIdentUsername(ctx, req.config.Domain, req.userID)
	if err != nil {
		return nil, err
	}
	config, err := g.store.GetIrcClientConfig(ctx, req.userID, req.config.Domain)
	if errors.Is(err, datastore.ErrNotFound) {
		config = req.config
	} else if err != nil {
		return nil, err
	}
	config.Username = uname
	// Persist before releasing the queue slot, or the next request could be
	// allocated the same username.
	if err = g.store.StoreIrcClientConfig(ctx, config); err != nil {
		return nil, err
	}
	return uname, nil
}

// generateIdentUsername finds the first free username derived from the
// user ID. On collision a numeric suffix is appended and incremented, the
// prefix shrinking to keep the total length fixed:
// myreally -> myreal_1 -> ... -> myreal_9 -> myrea_10 -> ...
func (g *IdentGenerator) generateIdentUsername(ctx context.Context, domain string, userID id.UserID) (string, error) {
	uname := g.sanitiseUsername(strings.TrimPrefix(string(userID), "@"))
	if len(uname) < g.MaxUserNameLength {
		return uname, nil
	}
	uname = uname[:g.MaxUserNameLength]
	seeded := false
	for {
		owner, err := g.store.GetMatrixUserByUsername(ctx, domain, uname)
		if errors.Is(err, datastore.ErrNotFound) {
			g.log.Info().
				Str("user_id", string(userID)).
				Str("domain", domain).
				Str("username", uname).
				Msg("Generated ident username")
			return uname, nil
		} else if err != nil {
			return "", err
		}
		if owner == userID {
			g.log.Info().
				Str("user_id", string(userID)).
				Str("domain", domain).
				Str("username", uname).
				Msg("Returning cached ident username")
			return uname, nil
		}
		if !seeded {
			seeded = true
			// Walking _1, _2, ... one store lookup at a time gets slow on
			// popular prefixes. The count of usernames already sharing the
			// shrunk prefix tells us roughly where the free suffixes start;
			// the loop still verifies the candidate before handing it out.
			count, cerr := g.store.GetCountForUsernamePrefix(ctx, domain, uname[:len(uname)-2])
			if cerr != nil {
				return "", cerr
			}
			if count > 0 {
				if s := seedIdentUsername(uname, count); s != "" {
					uname = s
					continue
				}
			}
		}
		uname, err = nextIdentUsername(uname)
		if err != nil {
			return "", err
		}
	}
}

// seedIdentUsername builds "<prefix>_<count>" at the fixed total length,
// shrinking the prefix to make the digits fit. Empty when nothing would be
// left of the prefix.
func seedIdentUsername(uname string, count int) string {
	digits := strconv.Itoa(count)
	cut := len(uname) - len(digits) - len(identSuffixDelim)
	if cut < 1 {
		return ""
	}
	return uname[:cut] + identSuffixDelim + digits
}

func nextIdentUsername(uname string) (string, error) {
	idx := strings.Index(uname, identSuffixDelim)
	if idx == -1 {
		return uname[:len(uname)-2] + identSuffixDelim + "1", nil
	}
	prefix, digits := uname[:idx], uname[idx+1:]
	num, err := strconv.Atoi(digits)
	if err != nil {
		return "", fmt.Errorf("malformed ident suffix in %q: %w", uname, err)
	}
	num++
	next := strconv.Itoa(num)
	if len(next) > len(digits) {
		if len(prefix) == 0 {
			return "", fmt.Errorf("%w: %s", ErrIdentExhausted, uname)
		}
		prefix = prefix[:len(prefix)-1]
	}
	if len(prefix) == 0 {
		return "", fmt.Errorf("%w: %s", ErrIdentExhausted, uname)
	}
	return prefix + identSuffixDelim + next, nil
}

func (g *IdentGenerator) sanitiseUsername(username string) string {
	username = strings.ToLower(username)
	username = illegalUsernameChars.ReplaceAllString(username, "")
	// Empirically networks reject usernames starting with a special
	// character even though the RFC allows them.
	if len(username) == 0 || !isASCIILetter(username[0]) {
		return "M" + username
	}
	return username
}

func sanitiseRealname(realname string) string {
	return nonASCII.ReplaceAllString(realname, "")
}

func (g *IdentGenerator) realnameForUser(userID id.UserID, format string) string {
	realname := string(userID)
	if format == "reverse-mxid" {
		localpart, domain, _ := strings.Cut(strings.TrimPrefix(realname, "@"), ":")
		labels := strings.Split(domain, ".")
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
		realname = "@" + localpart + ":" + strings.Join(labels, ".")
	}
	return truncate(sanitiseRealname(realname), g.MaxRealNameLength)
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
