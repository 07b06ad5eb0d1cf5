package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/notification-dispatch/internal/app"
	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/template"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := common.ConnectPostgres(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := common.Migrate(cmd.Context(), pool, logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the built-in notification functions that do not exist yet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := template.Seed(ctx, a.Templates)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d functions\n", n)
			return nil
		})
	},
}

var processQueueCmd = &cobra.Command{
	Use:   "process-queue",
	Short: "Run one retry pass over due queue entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Engine.ProcessDue(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var checkGatewayCmd = &cobra.Command{
	Use:   "check-gateway",
	Short: "Validate the active gateway settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			name, err := a.Gateways.Check(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gateway %s is ready\n", name)
			return nil
		})
	},
}

var sendTest struct {
	function  string
	recipient string
	vars      []string
}

var sendTestCmd = &cobra.Command{
	Use:   "send-test",
	Short: "Send a function's email through the active gateway, ignoring send-once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		vars, err := parseVars(sendTest.vars)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res := a.Service.SendTest(ctx, dispatch.Request{
				Function:  sendTest.function,
				Recipient: sendTest.recipient,
				Variables: vars,
			})
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.Outcome == ledger.OutcomeFailed {
				return fmt.Errorf("test send failed: %s", res.Detail)
			}
			return nil
		})
	},
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func init() {
	sendTestCmd.Flags().StringVar(&sendTest.function, "function", "", "function slug")
	sendTestCmd.Flags().StringVar(&sendTest.recipient, "to", "", "recipient address")
	sendTestCmd.Flags().StringArrayVar(&sendTest.vars, "var", nil, "template variable as key=value, repeatable")
	_ = sendTestCmd.MarkFlagRequired("function")
	_ = sendTestCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(migrateCmd, seedCmd, processQueueCmd, checkGatewayCmd, sendTestCmd)
}
