package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `chatgate - multi-tenant chat-protocol gateway

Usage:
  chatgate <command> [options]

Commands:
  serve                          Run the gateway (API, /ws and session manager)
  init                           Write a default config file
  watch                          Print broadcasts from a running gateway
  discover                       List gateways advertised on the LAN
  sessions list                  List sessions
  sessions qr <session-id>       Print a session's pending QR login
  users add <email> [name]       Add a user
  users list                     List users
  notifications list <user-id>   List a user's notifications
  notifications read-all <user-id>  Mark all of a user's notifications read
  version                        Print the version
Run 'chatgate <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "sessions":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatgate sessions <list|qr>")
			return 1
		}
		switch args[2] {
		case "list":
			return runSessionsList(args[3:], stdout, stderr)
		case "qr":
			return runSessionsQR(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown sessions command: %s\n", args[2])
			return 1
		}
	case "users":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatgate users <add|list>")
			return 1
		}
		switch args[2] {
		case "add":
			return runUsersAdd(args[3:], stdout, stderr)
		case "list":
			return runUsersList(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown users command: %s\n", args[2])
			return 1
		}
	case "notifications":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatgate notifications <list|read-all>")
			return 1
		}
		switch args[2] {
		case "list":
			return runNotificationsList(args[3:], stdout, stderr)
		case "read-all":
			return runNotificationsReadAll(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown notifications command: %s\n", args[2])
			return 1
		}
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "chatgate %s\n", Version)
		return 0
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
