package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
)

var Version = "dev"

type options struct {
	plansFile string
	timeout   time.Duration
	asJSON    bool
	logLevel  string
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "hotspotctl",
		Short:         "Manage hotspot accounts on a RouterOS router",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(opts.logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.plansFile, "plans", os.Getenv("PLANS_FILE"), "Plan table YAML file (defaults to the built-in plans)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall command timeout")
	rootCmd.PersistentFlags().BoolVarP(&opts.asJSON, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "error", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(testCmd(opts))
	rootCmd.AddCommand(userCmd(opts))
	rootCmd.AddCommand(sessionCmd(opts))
	rootCmd.AddCommand(profilesCmd(opts))
	rootCmd.AddCommand(plansCmd(opts))
	rootCmd.AddCommand(hashKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// service builds a hotspot service from the ROUTER_* environment.
func (o *options) service() (*hotspot.Service, error) {
	rc, err := config.LoadRouter()
	if err != nil {
		return nil, fmt.Errorf("router configuration: %w", err)
	}
	plans, err := hotspot.LoadPlanTable(o.plansFile)
	if err != nil {
		return nil, err
	}
	return hotspot.NewService(routeros.NewDialer(*rc), plans), nil
}

// run gives fn a service and a context bounded by --timeout and cancelled
// on interrupt.
func (o *options) run(cmd *cobra.Command, fn func(ctx context.Context, svc *hotspot.Service) error) error {
	svc, err := o.service()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx, svc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
