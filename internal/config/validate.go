// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"
	"regexp"

	"acheron.dev/acheron/internal/errors"
)

const minFlagRegexLength = 8

var colorRegex = regexp.MustCompile(`^#([0-9a-fA-F]{3}){1,2}$`)

// ValidateAddress validates an IPv4 or IPv6 address.
func ValidateAddress(address string) error {
	if address == "" {
		return errors.New(errors.KindValidation, "server address cannot be empty")
	}
	if net.ParseIP(address) == nil {
		return errors.Errorf(errors.KindValidation, "invalid server address: %s", address)
	}
	return nil
}

// ValidatePort validates a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindValidation, "port out of range: %d", port)
	}
	return nil
}

// ValidateColor validates a #rgb or #rrggbb color string.
func ValidateColor(color string) error {
	if !colorRegex.MatchString(color) {
		return errors.Errorf(errors.KindValidation, "invalid color: %s", color)
	}
	return nil
}

// ValidateFlagRegex validates the CTF flag regex submitted during setup.
func ValidateFlagRegex(expr string) error {
	if len(expr) < minFlagRegexLength {
		return errors.Errorf(errors.KindValidation, "flag regex too short (min %d characters)", minFlagRegexLength)
	}
	if _, err := regexp.Compile(expr); err != nil {
		return errors.Wrap(err, errors.KindValidation, "flag regex does not compile")
	}
	return nil
}
