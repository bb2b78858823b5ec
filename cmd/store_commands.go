package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chatgate/gateway/internal/config"
	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/qr"
	"github.com/chatgate/gateway/internal/storage"
)

// resolveDBPath returns the --db value or the default database location.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return config.DefaultDBPath()
}

// formatAge formats a timestamp relative to now.
func formatAge(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runSessionsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")
	owner := fs.String("owner", "", "Only list sessions owned by this email")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate sessions list [options]\n\nList sessions and their last known status.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	path, err := resolveDBPath(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No sessions found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	sessions, err := store.ListSessions(*owner)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list sessions: %v\n", err)
		return 1
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tSTATUS\tOWNER\tDETAIL\tUPDATED")
	fmt.Fprintln(w, "----------\t------\t-----\t------\t-------")
	for _, s := range sessions {
		owner := s.OwnerEmail
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, owner, s.StatusMessage, formatAge(s.UpdatedAt))
	}
	w.Flush()

	return 0
}

func runSessionsQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions qr", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate sessions qr [options] <session-id>\n\nPrint the QR login of a session that is waiting to be scanned.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	id := fs.Arg(0)

	path, err := resolveDBPath(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: session %s not found\n", id)
		return 1
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	s, err := store.GetSession(id)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load session: %v\n", err)
		return 1
	}
	if s == nil {
		fmt.Fprintf(stderr, "Error: session %s not found\n", id)
		return 1
	}
	if s.Status != storage.SessionStatusGeneratingQR || s.QRCode == "" {
		fmt.Fprintf(stderr, "Error: session %s has no QR login pending (status %s)\n", id, s.Status)
		return 1
	}

	art, err := qr.Terminal(s.QRCode)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to render QR code: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Session %s is waiting for a QR login.\n", id)
	fmt.Fprintln(stdout, "Open the chat app on your phone, go to Linked devices and scan:")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, art)
	return 0
}

func runUsersAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("users add", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate users add [options] <email> [name]\n\nAdd a user who can own sessions.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 1
	}

	path, err := resolveDBPath(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	user, err := store.CreateUser(fs.Arg(0), fs.Arg(1))
	if errors.Is(err, storage.ErrUserExists) {
		fmt.Fprintf(stderr, "Error: a user with email %s already exists\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to add user: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "User %s added (id: %s)\n", user.Email, user.ID)
	return 0
}

func runUsersList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("users list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate users list [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	path, err := resolveDBPath(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No users found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	users, err := store.ListUsers()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list users: %v\n", err)
		return 1
	}
	if len(users) == 0 {
		fmt.Fprintln(stdout, "No users found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tEMAIL\tNAME\tCREATED")
	fmt.Fprintln(w, "-------\t-----\t----\t-------")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, formatAge(u.CreatedAt))
	}
	w.Flush()

	return 0
}

func runNotificationsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("notifications list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")
	unread := fs.Bool("unread", false, "Only show unread notifications")
	limit := fs.Int("limit", 20, "Maximum number of notifications to show")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate notifications list [options] <user-id>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	svc, closeStore, code := openNotifications(*dbPath, stderr)
	if svc == nil {
		return code
	}
	defer closeStore()

	list, err := svc.UserNotifications(fs.Arg(0), *unread, *limit, 0)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list notifications: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No notifications found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREAD\tTITLE\tMESSAGE\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t-------\t-------")
	for _, n := range list {
		read := "no"
		if n.IsRead {
			read = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, read, n.Title, n.Message, formatAge(n.CreatedAt))
	}
	w.Flush()

	return 0
}

func runNotificationsReadAll(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("notifications read-all", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dbPath := fs.String("db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate notifications read-all [options] <user-id>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	svc, closeStore, code := openNotifications(*dbPath, stderr)
	if svc == nil {
		return code
	}
	defer closeStore()

	updated, err := svc.MarkAllAsRead(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to mark notifications read: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Marked %d notification(s) read.\n", updated)
	return 0
}

// openNotifications opens the store behind a notification service. On
// failure it prints the error and returns a nil service with the exit code.
func openNotifications(dbPath string, stderr io.Writer) (*notify.Service, func(), int) {
	path, err := resolveDBPath(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 1
	}
	store, err := openStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 1
	}
	return notify.NewService(store), func() { store.Close() }, 0
}
