package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalyst/internal/domain"
	"catalyst/internal/store"
	"catalyst/internal/trace"
	"catalyst/pkg/catalyst"
)

func runCmd() *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading service: HTTP API plus position monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if err := trace.Init(cfg.Logging.Tracing, version, os.Stderr); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := trace.Shutdown(ctx); err != nil {
					log.Warn("trace shutdown", zap.Error(err))
				}
			}()

			ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			// Startup reconciliation only reports; a broker outage must not
			// keep the service down.
			if _, err := a.reconcile(ctx); err != nil {
				log.Error("startup reconcile failed", zap.Error(err))
			}

			monitorDone := make(chan struct{})
			go func() {
				defer close(monitorDone)
				if err := a.manager.Run(ctx); err != nil {
					log.Error("monitor exited", zap.Error(err))
				}
			}()

			if noServer {
				<-ctx.Done()
			} else if err := a.server().ListenAndServe(ctx, cfg.Server.Addr()); err != nil {
				stop()
				<-monitorDone
				return err
			}
			<-monitorDone
			log.Info("catalyst stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "run the position monitor without the HTTP API")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list the applied ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx := cmd.Context()
			st, err := store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.AppliedMigrations(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.Version, r.Name, r.AppliedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stored positions with broker holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			mismatches, err := a.reconcile(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tTICKER\tPOSITION\tSTORE QTY\tBROKER QTY")
			for _, m := range mismatches {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", m.Kind, m.Ticker, m.PositionID, m.StoreQuantity, m.BrokerQuantity)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%d mismatches", len(mismatches))
			}
			return nil
		},
	}
}

func positionsCmd() *cobra.Command {
	var (
		closed bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List active (or closed) positions from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if closed {
				cps, err := c.ListClosed(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TICKER\tQTY\tENTRY\tEXIT\tREASON\tPNL\tPNL%\tCLOSED")
				for _, cp := range cps {
					fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%s\t%.2f\t%.2f\t%s\n",
						cp.Position.Ticker, cp.Position.Quantity, cp.Position.EntryPrice, cp.ExitPrice,
						cp.ExitReason, cp.RealizedPnL, cp.RealizedPnLPct, cp.ExitTime.Format(time.RFC3339))
				}
				return w.Flush()
			}
			ps, err := c.ListPositions(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TICKER\tSTATUS\tSIDE\tQTY\tENTRY\tSTOP\tTARGET\tDEADLINE")
			for _, p := range ps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n",
					p.Ticker, p.Status, p.Side, p.Quantity, p.EntryPrice, p.StopLossPrice,
					p.TakeProfitPrice, p.MaxHoldDeadline.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&closed, "closed", false, "list closed positions instead")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum closed positions to list")
	return cmd
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <item.json|->",
		Short: "Submit a scored item to a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := readItem(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			out, err := c.SubmitItem(cmd.Context(), item)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <ticker>",
		Short: "Close the open position for a ticker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			cp, err := c.ClosePosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cp)
		},
	}
}

func accountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show the broker account snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			acct, err := c.GetAccount(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

// client returns an API client for --server, or for the configured listen
// address when the flag is unset.
func client() (*catalyst.Client, error) {
	if serverURL != "" {
		return catalyst.NewClient(serverURL), nil
	}
	cfg, _, err := setup()
	if err != nil {
		return nil, err
	}
	return catalyst.NewClient("http://" + cfg.Server.Addr()), nil
}

func readItem(stdin io.Reader, path string) (domain.ScoredItem, error) {
	var item domain.ScoredItem
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return item, fmt.Errorf("reading item: %w", err)
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("decoding item %s: %w", path, err)
	}
	return item, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
