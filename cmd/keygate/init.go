// ABOUTME: keygate init writes a starter configuration file
// ABOUTME: Fills in a freshly generated session secret and admin token

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/keygate/internal/config"
)

// initOptions are the parsed arguments of keygate init.
type initOptions struct {
	path  string
	force bool
}

func parseInitArgs(args []string) (initOptions, error) {
	var opts initOptions
	for _, arg := range args {
		switch {
		case arg == "--force" || arg == "-f":
			opts.force = true
		case strings.HasPrefix(arg, "-"):
			return opts, fmt.Errorf("unknown flag: %s", arg)
		case opts.path == "":
			opts.path = arg
		default:
			return opts, fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if opts.path == "" {
		opts.path = config.DefaultPath()
	}
	return opts, nil
}

func runInit(args []string) error {
	opts, err := parseInitArgs(args)
	if err != nil {
		return err
	}

	adminToken, err := writeStarterConfig(opts.path, opts.force)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", opts.path)
	fmt.Println()
	yellow.Println("  Admin token (store it somewhere safe):")
	fmt.Printf("    %s\n", adminToken)
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Println("    edit server.public_url and the smtp section")
	fmt.Println("    keygate serve")
	fmt.Println()
	return nil
}

// writeStarterConfig writes config.Sample with generated secrets to path and
// returns the admin token. The file is only readable by its owner.
func writeStarterConfig(path string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config path: %w", err)
	}

	content, adminToken, err := renderStarterConfig()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return adminToken, nil
}

// renderStarterConfig returns the sample config with literal secrets in place
// of their environment references.
func renderStarterConfig() (content, adminToken string, err error) {
	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generating session secret: %w", err)
	}
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", "", fmt.Errorf("generating admin token: %w", err)
	}
	adminToken = hex.EncodeToString(token)

	content = strings.NewReplacer(
		"${KEYGATE_SESSION_SECRET}", base64.RawURLEncoding.EncodeToString(secret),
		"${KEYGATE_ADMIN_TOKEN}", adminToken,
	).Replace(config.Sample)
	return content, adminToken, nil
}
