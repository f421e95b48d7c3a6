// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/oracle"
	"github.com/xkilldash9x/webpilot/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 30 * time.Second

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   `run "goal"`,
		Short: "Runs a single browsing task to completion",
		Long: `Runs one natural-language task in an isolated browser session.
The agent observes the page, asks the configured oracle for the next action
and executes it, until the oracle finishes the task or a hard limit stops it.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys so command-line
			// flags correctly override config file and environment values.
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.stealth", cmd.Flags().Lookup("stealth")); err != nil {
				return err
			}

			// These flags have empty defaults; binding them unconditionally
			// would shadow the configured values, so bind only when set.
			conditional := map[string]string{
				"oracle.model":             "model",
				"security.allowed_domains": "allow",
				"security.blocked_domains": "block",
				"network.proxy.address":    "proxy",
			}
			for key, flagName := range conditional {
				if !cmd.Flags().Changed(flagName) {
					continue
				}
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("proxy") {
				viper.Set("network.proxy.enabled", true)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			orc, err := oracle.New(cfg.Oracle, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize oracle: %w", err)
			}

			manager := session.NewManager(cfg, orc, logger)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := manager.CloseAll(closeCtx); err != nil {
					logger.Warn("Session manager shutdown reported an error.", zap.Error(err))
				}
			}()

			startURL, _ := cmd.Flags().GetString("url")
			screenshotPath, _ := cmd.Flags().GetString("screenshot")
			task := agent.Task{
				ID:             uuid.New().String(),
				Goal:           args[0],
				StartURL:       startURL,
				ScreenshotPath: screenshotPath,
			}

			logger.Info("Running task",
				zap.String("task_id", task.ID),
				zap.String("goal", task.Goal),
				zap.String("start_url", task.StartURL),
				zap.Int("max_steps", cfg.Agent.MaxSteps),
			)

			result, err := manager.RunIsolatedTask(ctx, task)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Task aborted gracefully", zap.String("task_id", task.ID))
					return fmt.Errorf("task aborted by user signal")
				}
				logger.Error("Task failed before the agent loop could run", zap.Error(err))
				return err
			}

			payload, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode task result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))

			if outputPath, _ := cmd.Flags().GetString("output"); outputPath != "" {
				if err := os.WriteFile(outputPath, payload, 0o644); err != nil {
					return fmt.Errorf("failed to write result file: %w", err)
				}
				logger.Info("Task result written.", zap.String("path", outputPath))
			}

			if !result.Success {
				return fmt.Errorf("task did not succeed: %s", result.Result)
			}
			return nil
		},
	}

	runCmd.Flags().StringP("url", "u", "", "Page to open before the task starts")
	runCmd.Flags().StringP("output", "o", "", "Write the task result as JSON to this file")
	runCmd.Flags().String("screenshot", "", "Save a PNG of the final page to this file")

	// Configuration override flags.
	runCmd.Flags().Bool("headless", true, "Run the browser without a visible window. (Overrides config/env)")
	runCmd.Flags().Bool("stealth", true, "Apply fingerprint evasions to the browser session. (Overrides config/env)")
	runCmd.Flags().Int("max-steps", 30, "Step budget for the agent loop. (Overrides config/env)")
	runCmd.Flags().String("model", "", "Oracle model name. (Overrides config/env)")
	runCmd.Flags().StringSlice("allow", nil, "Restrict navigation to these domains. (Overrides config/env)")
	runCmd.Flags().StringSlice("block", nil, "Refuse navigation to these domains. (Overrides config/env)")
	runCmd.Flags().String("proxy", "", "Outbound proxy address, e.g. socks5://127.0.0.1:9050. (Overrides config/env)")

	return runCmd
}
