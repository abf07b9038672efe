// Command collab-watch connects to a collaboration hub, joins the groups given
// on the command line and prints every event it receives as a JSON line.
//
//	collab-watch --url ws://localhost:8000/ws --token $TOKEN --workspace w1 --project p1
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/client"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		url        string
		token      string
		signingKey string
		userId     string
		workspaces []string
		projects   []string
		viewing    []string
		heartbeat  time.Duration
		maxRetries int
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("collab-watch", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://localhost:8000/ws", "hub websocket URL")
	flagSet.StringVar(&token, "token", os.Getenv("COLLAB_TOKEN"), "session token")
	flagSet.StringVar(&signingKey, "signing-key", "", "base64 signing key to mint a token locally (development only)")
	flagSet.StringVar(&userId, "user", "", "user id for a locally minted token")
	flagSet.StringSliceVar(&workspaces, "workspace", nil, "workspace ids to join")
	flagSet.StringSliceVar(&projects, "project", nil, "project ids to join")
	flagSet.StringSliceVar(&viewing, "view", nil, "task ids to view")
	flagSet.DurationVar(&heartbeat, "heartbeat", time.Minute, "presence heartbeat interval")
	flagSet.IntVar(&maxRetries, "max-retries", 0, "give up after this many failed reconnects (0 retries forever)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection state changes")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if heartbeat <= 0 {
		return errors.New("--heartbeat must be positive")
	}

	if token == "" && signingKey != "" {
		key, err := base64.StdEncoding.DecodeString(signingKey)
		if err != nil {
			return fmt.Errorf("decode signing key: %w", err)
		}
		if userId == "" {
			return errors.New("--user is required with --signing-key")
		}
		token, err = api.IssueToken(key, types.User{Id: userId, Username: userId}, time.Hour)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}
	if token == "" {
		return errors.New("a --token or --signing-key is required")
	}

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := client.New(client.Options{
		URL:        url,
		Token:      token,
		Logger:     logger,
		MaxRetries: maxRetries,
		OnStateChange: func(s client.State) {
			fmt.Fprintf(os.Stderr, "state: %s\n", s)
		},
	})

	enc := json.NewEncoder(os.Stdout)
	session.SubscribeAll(func(env events.Envelope) {
		enc.Encode(env)
	})

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Close()

	for _, id := range workspaces {
		if err := session.JoinWorkspace(ctx, id); err != nil {
			return fmt.Errorf("join workspace %s: %w", id, err)
		}
	}
	for _, id := range projects {
		if err := session.JoinProject(ctx, id); err != nil {
			return fmt.Errorf("join project %s: %w", id, err)
		}
	}
	for _, id := range viewing {
		if err := session.JoinViewing(ctx, id, "task", ""); err != nil {
			return fmt.Errorf("view task %s: %w", id, err)
		}
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		case <-ticker.C:
			if len(workspaces) == 0 {
				continue
			}
			if err := session.UpdateLastSeen(ctx, ""); err != nil && !errors.Is(err, client.ErrNotConnected) {
				fmt.Fprintf(os.Stderr, "heartbeat: %v\n", err)
			}
		}
	}
}
