package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ratebeam/ratebeam-go/pkg/ratebeam"
	"github.com/ratebeam/ratebeam-go/pkg/ratebeam/ratebeamtest"
)

func newServeCmd() *cobra.Command {
	var (
		addr        string
		apiKey      string
		logLevel    string
		ruleSpecs   []string
		defaultSpec string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local development server that fakes the RateBeam API",
		Long: `Starts an HTTP server implementing the RateBeam wire protocol against a
set of rules given on the command line. Useful for developing against the
client without a hosted account.

Rules are written matcher:refill:burst[:METHOD], where matcher is a
regular expression (or literal), refill is tokens per second and burst is
the engine capacity. A METHOD suffix makes the rule path-based.`,
		Example: `  ratebeam serve --rule 'send_email:5:50'
  ratebeam serve --rule '/api/export:1:10:POST' --default '1:5'
  ratebeam serve --addr :9090 --api-key dev-secret --rule 'send_.*:10:100'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)

			srv := ratebeamtest.NewServer()
			for i, spec := range ruleSpecs {
				rule, err := parseRuleSpec(spec, i)
				if err != nil {
					return err
				}
				srv.AddRule(rule)
			}
			if defaultSpec != "" {
				parts := strings.Split(defaultSpec, ":")
				if len(parts) != 2 {
					return fmt.Errorf("invalid --default %q, want refill:burst", defaultSpec)
				}
				refill, err1 := strconv.Atoi(parts[0])
				burst, err2 := strconv.Atoi(parts[1])
				if err1 != nil || err2 != nil {
					return fmt.Errorf("invalid --default %q, want refill:burst", defaultSpec)
				}
				srv.AddRule(ratebeam.Rule{
					ID:         "rule_default",
					Name:       "default",
					RefillRate: refill,
					BurstRate:  burst,
					IsDefault:  true,
				})
			}
			if len(ruleSpecs) == 0 && defaultSpec == "" {
				// something to play with out of the box
				srv.AddRule(ratebeam.Rule{
					ID: "rule_demo", Name: "demo", RefillRate: 5, BurstRate: 50, Matcher: ".*",
				})
				logger.Info().Msg("no rules given, serving demo rule matching every operation")
			}

			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(apiKey, logger),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("listening")
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
			}
			logger.Info().Msg("bye")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "required API key; empty accepts any non-empty key")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringArrayVar(&ruleSpecs, "rule", nil, "rule as matcher:refill:burst[:METHOD], repeatable")
	cmd.Flags().StringVar(&defaultSpec, "default", "", "catch-all rule as refill:burst")

	return cmd
}

func parseRuleSpec(spec string, i int) (ratebeam.Rule, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return ratebeam.Rule{}, fmt.Errorf("invalid --rule %q, want matcher:refill:burst[:METHOD]", spec)
	}
	refill, err1 := strconv.Atoi(parts[1])
	burst, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return ratebeam.Rule{}, fmt.Errorf("invalid --rule %q, refill and burst must be integers", spec)
	}
	rule := ratebeam.Rule{
		ID:         fmt.Sprintf("rule_%d", i+1),
		Name:       parts[0],
		RefillRate: refill,
		BurstRate:  burst,
		Matcher:    parts[0],
	}
	if len(parts) == 4 {
		rule.Method = strings.ToUpper(parts[3])
	}
	return rule, nil
}
