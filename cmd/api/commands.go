package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quire/api/internal/anchor"
	"quire/api/internal/auth"
	"quire/api/internal/crdt"
	"quire/api/internal/document"
	"quire/api/internal/log"
	"quire/api/internal/notify"
	"quire/api/internal/relay"
	"quire/api/internal/room"
	"quire/api/internal/store"
	"quire/api/internal/util"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			pending, err := store.PendingMigrations(cmd.Context(), db, store.Migrations(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			logger.Info("schema up to date", "pending", len(pending))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		orgID  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if strings.TrimSpace(name) == "" {
				name = userID
			}
			token, err := auth.NewSigner(cfg.TokenSecret).Issue(userID, name, orgID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the user id)")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// commentCmd joins a room as a client, comments on a range of a local copy
// of the document, and leaves once the thread is synced and notified.
func commentCmd() *cobra.Command {
	var (
		server   string
		token    string
		roomID   string
		userID   string
		name     string
		docPath  string
		from     int
		to       int
		mentions []string
	)

	cmd := &cobra.Command{
		Use:   "comment [content]",
		Short: "Comment on a document range as a sync client",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			text, err := os.ReadFile(docPath)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			syncURL, err := roomSyncURL(server, roomID)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			logger := log.New("quire-cli")
			m := crdt.NewMap(util.NewID("cli"))
			client, err := relay.Dial(ctx, relay.ClientConfig{
				URL:    syncURL,
				Token:  token,
				Logger: logger,
				OnError: func(msg string) {
					logger.Error("relay rejected change", "msg", msg)
				},
			}, m)
			if err != nil {
				return err
			}
			defer client.Close()

			session := room.New(document.NewBuffer(string(text)), m, room.Config{
				RoomID:   roomID,
				UserID:   userID,
				UserName: name,
				Notifier: notify.NewHTTPClient(server, token, nil),
				Logger:   logger,
			})
			session.Select(anchor.Selection{From: from, To: to})

			var members []notify.Member
			for _, id := range mentions {
				members = append(members, notify.Member{UserID: id})
			}
			threadID, commentID, err := session.Comment(content, members...)
			session.Close()
			if err != nil {
				return err
			}
			if err := client.Flush(); err != nil {
				return err
			}
			fmt.Printf("thread %s comment %s\n", threadID, commentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8787", "API base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("QUIRE_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&roomID, "room", "", "room (document) id")
	cmd.Flags().StringVar(&userID, "user", "", "your user id, as in the token")
	cmd.Flags().StringVar(&name, "name", "", "your display name")
	cmd.Flags().StringVar(&docPath, "doc", "", "path to the document text")
	cmd.Flags().IntVar(&from, "from", 0, "range start")
	cmd.Flags().IntVar(&to, "to", 0, "range end (exclusive)")
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "user ids to mention")
	for _, flag := range []string{"room", "user", "doc", "to"} {
		_ = cmd.MarkFlagRequired(flag)
	}
	return cmd
}

func roomSyncURL(server, roomID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	base := u.EscapedPath()
	u.Path = u.Path + "/api/rooms/" + roomID + "/sync"
	u.RawPath = base + "/api/rooms/" + url.PathEscape(roomID) + "/sync"
	return u.String(), nil
}
