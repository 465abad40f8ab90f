// Command granitectl drives quote calculations from a terminal: submit a quote
// to the desktop agent, wait for it, revise it and download the result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thomasldk/granite-erp-sub001/internal/config"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/poller"
	"go.uber.org/zap"
)

var (
	serverURL  string
	operatorID string
	interval   time.Duration
	timeout    time.Duration
	verbose    bool

	forceSubmit bool
	outputPath  string
	overrides   []string
)

var rootCmd = &cobra.Command{
	Use:           "granitectl",
	Short:         "Quote calculation client for the granite ERP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit <quote-id>",
	Short: "Request a calculation, wait for the agent and download the workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, closeOut, err := openOutput(outputPath)
		if err != nil {
			return err
		}
		defer closeOut()

		state, err := newController().Run(cmd.Context(), args[0], forceSubmit, out)
		if err != nil {
			return err
		}
		printState(cmd.ErrOrStderr(), state)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <quote-id>",
	Short: "Poll a submitted quote until the agent settles it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := newController().Wait(cmd.Context(), args[0])
		if state != nil {
			printState(cmd.OutOrStdout(), state)
		}
		return err
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <quote-id>",
	Short: "Download the calculated workbook of a quote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, closeOut, err := openOutput(outputPath)
		if err != nil {
			return err
		}
		defer closeOut()

		n, err := newClient().Download(cmd.Context(), args[0], out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "downloaded %d bytes\n", n)
		return nil
	},
}

var reviseCmd = &cobra.Command{
	Use:   "revise <quote-id>",
	Short: "Create the next revision of a quote, optionally overriding commercial fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := parseOverrides(overrides)
		if err != nil {
			return err
		}
		state, err := newClient().Revise(cmd.Context(), args[0], body)
		if err != nil {
			return err
		}
		printState(cmd.OutOrStdout(), state)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", config.GetEnvOrDefault("GRANITE_SERVER", "http://localhost:8080"), "Quote service base URL")
	rootCmd.PersistentFlags().StringVar(&operatorID, "operator", config.GetEnvOrDefault("GRANITE_OPERATOR", os.Getenv("USER")), "Operator recorded in the activity log")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", poller.DefaultInterval, "Poll interval")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", poller.DefaultTimeout, "Give up waiting after this long (the job keeps running)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every poll")

	submitCmd.Flags().BoolVar(&forceSubmit, "force", false, "Supersede a calculation that is already pending")
	submitCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the workbook here (default stdout)")
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the workbook here (default stdout)")
	reviseCmd.Flags().StringArrayVar(&overrides, "set", nil, "Override a commercial field, key=value (repeat flag)")

	rootCmd.AddCommand(submitCmd, waitCmd, downloadCmd, reviseCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var agentErr *poller.AgentError
		switch {
		case errors.Is(err, poller.ErrStillProcessing):
			os.Exit(3)
		case errors.As(err, &agentErr):
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newClient() *poller.HTTPClient {
	return poller.NewHTTPClient(serverURL, operatorID, 30*time.Second)
}

func newController() *poller.Controller {
	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}
	c := poller.NewController(newClient(), logger)
	c.Interval = interval
	c.Timeout = timeout
	return c
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printState(w io.Writer, s *poller.QuoteState) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\tattempt=%d\n", s.ID, s.Reference, s.Status, s.SyncStatus, s.JobAttempt)
	if s.SyncError != nil {
		fmt.Fprintf(w, "error: %s\n", *s.SyncError)
	}
}

// parseOverrides 把 key=value 转成请求体；值是合法 JSON 时按 JSON 解析（数字、null），否则当字符串
func parseOverrides(pairs []string) (map[string]interface{}, error) {
	body := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			body[key] = decoded
		} else {
			body[key] = value
		}
	}
	return body, nil
}
