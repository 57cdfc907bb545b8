package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/spf13/cobra"
	"github.com/tollgate-video/tollgate/app/gateway"
	"github.com/tollgate-video/tollgate/app/gateway/controller"
	"github.com/tollgate-video/tollgate/app/gateway/types"
	"go.uber.org/zap"
)

const programName = "tollgate"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Pay-per-view metering and settlement gateway",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCommand(), settleCommand(), statusCommand(), sweepCommand())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := gateway.Initialize(cmd.Context())
			if err := gateway.NewServer(app); err != nil {
				app.Logger.Fatal("Unable to initialize server", zap.Error(err))
			}
			app.Start(cmd.Context())
			return nil
		},
	}
}

// withApp connects to the stores, runs fn and releases everything, without serving.
func withApp(cmd *cobra.Command, fn func(app *types.App) error) error {
	app := gateway.Initialize(cmd.Context())
	defer app.Close()
	return fn(app)
}

func printJSON(cmd *cobra.Command, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(buf))
	return err
}

func settleCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle a user's live session now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *types.App) error {
				res, err := app.Service.ForceSettle(cmd.Context(), userID)
				if err != nil {
					return fmt.Errorf("settle %s: %w", userID, err)
				}
				if !res.Success {
					_ = printJSON(cmd, controller.NewSettlementResponse(res))
					return errors.New(res.Error)
				}
				return printJSON(cmd, controller.NewSettlementResponse(res))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func statusCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a user's durable, pending and effective balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *types.App) error {
				st, err := app.Service.GetBillingStatus(cmd.Context(), userID)
				if err != nil {
					return fmt.Errorf("status %s: %w", userID, err)
				}
				return printJSON(cmd, controller.StatusResponse{
					UserID:           st.UserID,
					DurableBalance:   st.DurableBalance.String(),
					PendingDeduction: st.PendingDeduction.String(),
					EffectiveBalance: st.EffectiveBalance.String(),
					ActiveSession:    st.ActiveSession,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one staleness sweep and end sessions whose heartbeat expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *types.App) error {
				n, err := app.Service.Reaper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d session(s)\n", n)
				return nil
			})
		},
	}
}
