package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/chatgate/gateway/internal/discovery"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to listen for advertisements")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate discover [options]\n\nList gateways started with --mdns on the local network.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	found, err := discovery.Browse(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printGateways(stdout, found)
	return 0
}

func printGateways(out io.Writer, found []discovery.Info) {
	if len(found) == 0 {
		fmt.Fprintln(out, "No gateways found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tVERSION\tFINGERPRINT")
	fmt.Fprintln(w, "----\t---\t-------\t-----------")
	for _, g := range found {
		scheme := "ws"
		fp := "-"
		if g.TLS {
			scheme = "wss"
			if g.Fingerprint != "" {
				fp = g.Fingerprint
			}
		}
		fmt.Fprintf(w, "%s\t%s://%s:%d/ws\t%s\t%s\n", g.Name, scheme, g.Host, g.Port, g.Version, fp)
	}
	w.Flush()
}
