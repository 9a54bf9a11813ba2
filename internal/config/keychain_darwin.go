//go:build darwin

package config

import (
	"os/exec"
	"strings"
)

const (
	keychainService = "refnote"
	keychainAccount = "api_key"
)

// keychainAPIKey reads a key stored with
// `security add-generic-password -s refnote -a api_key -w <key>`.
func keychainAPIKey() (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", keychainService,
		"-a", keychainAccount,
		"-w",
	).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
