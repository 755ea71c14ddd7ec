package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/jobledger/pkg/archive"
	"github.com/Mindburn-Labs/jobledger/pkg/lifecycle"
)

// runVerifyCmd checks the live journal, or an exported archive when
// --manifest is given.
//
// Exit codes:
//
//	0 = verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	manifestRef := cmd.String("manifest", "", "Verify an exported archive by manifest reference")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()

	if *manifestRef != "" {
		blobs, err := archive.Open(ctx, cfg.Archive)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		manifest, entries, err := archive.Load(ctx, blobs, *manifestRef)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "OK: archive holds %d entries (%d..%d), head %s\n",
			len(entries), manifest.First, manifest.Last, manifest.HeadHash)
		return 0
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	n, err := lifecycle.New(st, lifecycle.WithLogger(logger)).VerifyJournal(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d journal entries verified\n", n)
	return 0
}
