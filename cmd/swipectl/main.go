package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	apiURL   string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:           "swipectl",
	Short:         "Submit and track screenshot capture jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit URL",
	Short: "Submit a page for capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callback, _ := cmd.Flags().GetString("callback")
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		client := newClient(apiURL, apiToken)
		res, err := client.Submit(cmd.Context(), args[0], callback)
		if err != nil {
			return err
		}
		if !wait {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "submitted job %s\n", res.JobID)
		status, err := client.Wait(cmd.Context(), res.JobID, interval)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient(apiURL, apiToken).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait JOB_ID",
	Short: "Poll a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		status, err := newClient(apiURL, apiToken).Wait(cmd.Context(), args[0], interval)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var taskCmd = &cobra.Command{
	Use:   "task JOB_ID",
	Short: "Show the queue state of a job's task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient(apiURL, apiToken).Task(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("SWIPEFLOW_API_URL", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SWIPEFLOW_API_TOKEN"), "bearer token")

	submitCmd.Flags().String("callback", "", "webhook URL notified when the job finishes")
	submitCmd.Flags().Bool("wait", false, "poll until the job finishes")
	submitCmd.Flags().Duration("interval", 2*time.Second, "poll interval with --wait")
	waitCmd.Flags().Duration("interval", 2*time.Second, "poll interval")

	rootCmd.AddCommand(submitCmd, statusCmd, waitCmd, taskCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "swipectl: %s (HTTP %d)\n", apiErr.Message, apiErr.StatusCode)
		} else {
			fmt.Fprintf(os.Stderr, "swipectl: %v\n", err)
		}
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
