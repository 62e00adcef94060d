package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
)

// errUsage is returned for unknown subcommands or missing arguments.
var errUsage = errors.New("usage: miiobridge [hash-key <key> | token <subject> <role>]")

// runCommand dispatches a CLI helper and writes its result to out.
func runCommand(args []string, out io.Writer) error {
	switch args[0] {
	case "hash-key":
		if len(args) != 2 || args[1] == "" {
			return errUsage
		}
		hash, err := auth.HashKey(args[1])
		if err != nil {
			return fmt.Errorf("hashing key: %w", err)
		}
		fmt.Fprintln(out, hash)
		return nil

	case "token":
		if len(args) != 3 || args[1] == "" {
			return errUsage
		}
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Security.JWT.Secret == "" {
			return errors.New("security.jwt.secret is not configured")
		}
		ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
		tok, err := auth.GenerateAccessToken(args[1], auth.Role(args[2]), cfg.Security.JWT.Secret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok)
		return nil

	default:
		return errUsage
	}
}
