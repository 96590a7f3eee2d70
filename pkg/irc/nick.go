// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"fmt"
	"regexp"
)

// RFC 2812 nicks: letters, digits and []\`_^{|}- after the first char,
// which must be a letter or one of the special characters.
var (
	illegalNickChars = regexp.MustCompile("[^A-Za-z0-9\\]\\[\\^\\\\{}\\-`_|]")
	validNickStart   = regexp.MustCompile("^[A-Za-z\\[\\]\\\\`_^{|}]")
)

func stripIllegalNickChars(s string) string {
	return illegalNickChars.ReplaceAllString(s, "")
}

// GetValidNick coerces nick into a valid IRC nick. Illegal characters are
// stripped, a leading digit or dash gets an "M" prefix, and the result is
// truncated to maxLen when maxLen > 0 (the network's NICKLEN, known only
// once connected). With strict set, any required coercion is an error
// instead: user-requested nick changes must fail loudly rather than land
// the user on a nick they did not ask for.
func GetValidNick(nick string, strict bool, maxLen int) (string, error) {
	n := stripIllegalNickChars(nick)
	if strict && n != nick {
		return "", fmt.Errorf("nick %q contains invalid characters", nick)
	}
	if n == "" {
		return "", fmt.Errorf("nick %q has no valid characters", nick)
	}
	if !validNickStart.MatchString(n) {
		if strict {
			return "", fmt.Errorf("nick %q must start with a letter or special character", nick)
		}
		n = "M" + n
	}
	if maxLen > 0 && len(n) > maxLen {
		if strict {
			return "", fmt.Errorf("nick %q is too long (max %d)", nick, maxLen)
		}
		n = n[:maxLen]
	}
	return n, nil
}
