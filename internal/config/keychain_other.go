//go:build !darwin

package config

import "errors"

var errNoKeychain = errors.New("no system keychain on this platform")

func keychainAPIKey() (string, error) {
	return "", errNoKeychain
}
