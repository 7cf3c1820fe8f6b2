// Package copilot – keyring.go stores credentials in the operating system
// keyring (Secret Service, Keychain, Credential Manager).
//
// Secrets resolve in this order:
//  1. OS keyring (service "discordcopilot")
//  2. Environment variable (DISCORD_TOKEN, GEMINI_API_KEY, GOOGLE_API_KEY, DATABASE_PASSWORD)
//  3. config.yaml value
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "discordcopilot"

// Secret names accepted by StoreKeyring and `secrets set`.
const (
	SecretDiscordToken     = "discord_token"
	SecretGeminiAPIKey     = "gemini_api_key"
	SecretDatabasePassword = "database_password"
)

// secretEnvVars lists the environment variables consulted per secret, in order.
var secretEnvVars = map[string][]string{
	SecretDiscordToken:     {"DISCORD_TOKEN"},
	SecretGeminiAPIKey:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	SecretDatabasePassword: {"DATABASE_PASSWORD"},
}

// SecretNames returns the known secret names, sorted.
func SecretNames() []string {
	names := make([]string, 0, len(secretEnvVars))
	for n := range secretEnvVars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	if _, ok := secretEnvVars[key]; !ok {
		return fmt.Errorf("unknown secret %q (known: %s)", key, strings.Join(SecretNames(), ", "))
	}
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns "" if absent
// or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills credentials in cfg from keyring, then environment,
// keeping the config value when neither has one.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	resolve := func(name string, target *string) {
		if val := GetKeyring(name); val != "" {
			*target = val
			logger.Debug("secret loaded from OS keyring", "secret", name)
			return
		}
		for _, env := range secretEnvVars[name] {
			if val := os.Getenv(env); val != "" {
				*target = val
				logger.Debug("secret loaded from environment", "secret", name, "env", env)
				return
			}
		}
		if IsEnvReference(*target) {
			*target = ""
		}
	}

	resolve(SecretDiscordToken, &cfg.Discord.Token)
	resolve(SecretGeminiAPIKey, &cfg.Gemini.APIKey)
	resolve(SecretDatabasePassword, &cfg.Database.PostgreSQL.Password)
}

// ReadPassword reads a secret from the terminal without echo, falling back
// to a plain line read for piped input.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}

	var buf [4096]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}
