package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-kb/rag"
)

var (
	cfgPath string
	cfg     *Config
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rag-kb",
		Short:         "Keep a directory of documents indexed and answer questions from it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = readConfig(cfgPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "cfg/config.yaml", "Configuration file")

	root.AddCommand(newServeCmd(), newSyncCmd(), newAskCmd(), newSessionsCmd())

	return root
}

// withApp builds the application for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over SSE and keep the knowledge path synchronized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if root, err := a.knowledgePath(""); err == nil {
					if _, err := a.sync.Synchronize(ctx, root); err != nil {
						a.log.Error("initial synchronization failed", slog.String("error", err.Error()))
					}

					w := NewWatcher(a.log, root, time.Duration(a.cfg.MergeEventsMs)*time.Millisecond, a.sync)
					if err := w.Watch(ctx); err != nil {
						return err
					}
				}

				srv := NewRagServer(a.service, a.sync, a.cfg.KnowledgePath)
				sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", a.cfg.ServerAddr)))

				errCh := make(chan error, 1)
				go func() {
					errCh <- sse.Start(a.cfg.ServerAddr)
				}()
				a.log.Info("serving", slog.String("addr", a.cfg.ServerAddr))

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return sse.Shutdown(shutdownCtx)
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [knowledge_path]",
		Short: "Synchronize a knowledge path once and report the index size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				root, err := a.knowledgePath(firstArg(args))
				if err != nil {
					return err
				}

				n, syncErr := a.sync.Synchronize(ctx, root)
				if syncErr != nil && !errors.Is(syncErr, ErrIndexMutation) {
					return syncErr
				}

				idx, err := a.catalog.Index(ctx, root)
				if err != nil {
					return err
				}
				total, err := idx.Count(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks, %d chunks in %s\n", n, total, root)
				return syncErr
			})
		},
	}
}

func newAskCmd() *cobra.Command {
	var (
		path    string
		session string
		user    string
		stream  bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from a knowledge path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				root, err := a.knowledgePath(path)
				if err != nil {
					return err
				}
				a.warmUp(ctx, root)

				req := rag.Request{
					Question:      strings.Join(args, " "),
					KnowledgePath: root,
					SessionID:     session,
					UserID:        user,
				}

				if stream {
					return askStream(ctx, a.service, req, cmd.OutOrStdout())
				}

				answer, err := a.service.Ask(ctx, req)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			})
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Knowledge path, defaults to the configured one")
	cmd.Flags().StringVar(&session, "session", "", "Session to continue")
	cmd.Flags().StringVar(&user, "user", "", "User owning a new session")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the answer as newline delimited JSON frames")

	return cmd
}

// askStream writes every frame of the answer to w as one JSON line.
func askStream(ctx context.Context, s *rag.Service, req rag.Request, w io.Writer) error {
	frames, err := s.AskStream(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for f := range frames {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}

	return nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}

	var (
		user string
		all  bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the sessions of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sessions, err := a.bridge.ListSessions(ctx, user, !all)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tKNOWLEDGE PATH\tACTIVE\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.Title, s.KnowledgePath, s.Active, s.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "Owner of the sessions")
	list.Flags().BoolVar(&all, "all", false, "Include closed sessions")

	closeCmd := &cobra.Command{
		Use:   "close <session_id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.bridge.CloseSession(ctx, args[0])
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <session_id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.bridge.RenameSession(ctx, args[0], strings.Join(args[1:], " "))
			})
		},
	}

	cmd.AddCommand(list, closeCmd, rename)

	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
