package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/jobledger/pkg/auth"
)

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		subject = cmd.String("sub", "", "Account the token is issued to (REQUIRED)")
		roles   = cmd.String("roles", "", "Comma-separated roles (admin, treasury)")
		ttl     = cmd.Duration("ttl", 0, "Token lifetime (default: JOBLEDGER_TOKEN_TTL)")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}

	cfg, _, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ks, configured, err := keySet(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !configured {
		_, _ = fmt.Fprintln(stderr, "Error: set JOBLEDGER_JWT_SEED or JOBLEDGER_JWT_SECRET to issue tokens")
		return 2
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := auth.Issue(context.Background(), ks, cfg.Auth.Issuer, *subject, roleList, lifetime)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
