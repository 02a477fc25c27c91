package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydocs/internal/commands"
	"github.com/agentworkforce/relaydocs/internal/engine"
	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
)

// withEngine builds an engine with a loaded cache for one-shot commands.
func (a *app) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.Log.Options())
	defer closer.Close()
	e, err := engine.New(engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := e.Load(ctx); err != nil {
		return err
	}
	return fn(e)
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the lock reconciler, realtime channel, and verification worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			logger, closer := logging.New(cfg.Log.Options())
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := engine.New(engine.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			if cfg.MetricsAddr != "" {
				srv := &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           promhttp.Handler(),
					ReadHeaderTimeout: 5 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return ctx },
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
			}
			if err := e.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			e.Stop()
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the documents this client holds locks on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				st := e.Status()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client:    %s\n", st.ClientID)
				fmt.Fprintf(out, "documents: %d\n", st.Documents)
				for _, entity := range st.Degraded {
					fmt.Fprintf(out, "  %s %s could not be loaded\n", warnMark("!"), entity)
				}
				if len(st.Locked) == 0 {
					fmt.Fprintf(out, "locks:     %s\n", okMark("none"))
					return nil
				}
				fmt.Fprintf(out, "locks:     %d\n", len(st.Locked))
				table := e.Machine.Table()
				for _, doc := range st.Locked {
					fmt.Fprintf(out, "  %s %s  %s  %s\n", okMark("●"), doc.ID, doc.LockType, table.Name(doc.State))
					fmt.Fprintf(out, "      %s\n", doc.FilePath)
				}
				return nil
			})
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Release every lock held by this client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				n, err := e.Recon.CleanupOrphaned(cmd.Context(), e.Owner())
				fmt.Fprintf(cmd.OutOrStdout(), "released %d lock(s)\n", n)
				return err
			})
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token from store.token_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.Store.TokenSecret == "" {
				return fmt.Errorf("%w: store.token_secret is not set", records.ErrInvalidInput)
			}
			scopes := []string{httpapi.ScopeRecordsRead}
			if !readOnly {
				scopes = append(scopes, httpapi.ScopeRecordsWrite)
			}
			token, err := httpapi.MintToken(cfg.Store.TokenSecret, cfg.ClientID, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "omit the write scope")
	return cmd
}

func newTransitionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transition <document-id> <state>",
		Short: "Move a document to another workflow state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dispatch(cmd, commands.DocumentTransition, args[0], map[string]string{"state": args[1]})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document-id> [validator]",
		Short: "Run one validator, or those required by the document's state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := map[string]string{}
			if len(args) == 2 {
				if _, err := workflow.ParseValidatorKind(args[1]); err != nil {
					return err
				}
				extra["validator"] = args[1]
			}
			return a.dispatch(cmd, commands.DocumentValidate, args[0], extra)
		},
	}
}

func (a *app) dispatch(cmd *cobra.Command, id commands.ID, documentID string, extra map[string]string) error {
	return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
		doc, ok := e.Store.Document(strings.TrimSpace(documentID))
		if !ok {
			return fmt.Errorf("%w: document %s", records.ErrNotFound, documentID)
		}
		req := commands.Request{
			Document: doc,
			Actor:    commands.Actor{ID: e.Owner(), Name: e.Owner()},
			Args:     extra,
		}
		if container, ok := e.Store.Container(doc.ContainerID); ok {
			req.Container = container
		}
		resp := e.Commands.Dispatch(cmd.Context(), id, req)
		printResponse(cmd, resp)
		if resp.Success {
			return nil
		}
		return resp.Err
	})
}

func printResponse(cmd *cobra.Command, resp commands.Response) {
	out := cmd.OutOrStdout()
	switch {
	case errors.Is(resp.Err, records.ErrValidationSkipped):
		fmt.Fprintf(out, "%s %s\n", warnMark("!"), resp.Message)
	case resp.Success:
		fmt.Fprintf(out, "%s %s\n", okMark("✓"), resp.Message)
	default:
		fmt.Fprintf(out, "%s %s\n", failMark("✗"), resp.Message)
	}
}
