package main

import (
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/services"
	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh of markets, histories and the correlation graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.refresh.Refresh(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
}

type backtestFlags struct {
	leader    string
	token     string
	signal    string
	outcome   string
	horizons  []string
	followers []string
}

func (f backtestFlags) request() models.BacktestRequest {
	return models.BacktestRequest{
		LeaderID:    strings.TrimSpace(f.leader),
		ClobTokenID: strings.TrimSpace(f.token),
		SignalTime:  f.signal,
		Outcome:     f.outcome,
		Horizons:    f.horizons,
		FollowerIDs: f.followers,
	}
}

func newBacktestCmd() *cobra.Command {
	var flags backtestFlags
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest follower trades on a resolved leader market",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.backtest.Run(cmd.Context(), flags.request())
			return reportBacktest(cmd.OutOrStdout(), result, err)
		},
	}
	cmd.Flags().StringVar(&flags.leader, "leader", "", "leader market id")
	cmd.Flags().StringVar(&flags.token, "token", "", "leader CLOB token id, used when the leader is not stored")
	cmd.Flags().StringVar(&flags.signal, "signal", "", "signal time (RFC3339 or YYYY-MM-DD); detected when empty")
	cmd.Flags().StringVar(&flags.outcome, "outcome", "", "leader outcome YES or NO; inferred when empty")
	cmd.Flags().StringSliceVar(&flags.horizons, "horizons", nil, "holding horizons such as 5m,1h,1d,1w,resolution")
	cmd.Flags().StringSliceVar(&flags.followers, "followers", nil, "explicit follower market ids")
	cmd.MarkFlagsOneRequired("leader", "token")

	cmd.AddCommand(newBacktestSearchCmd())
	return cmd
}

func newBacktestSearchCmd() *cobra.Command {
	var query, date string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find resolved leader markets by keyword or active date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			markets, err := app.backtest.SearchResolved(cmd.Context(), query, date)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), markets)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "case-insensitive name keyword (at least 2 characters)")
	cmd.Flags().StringVar(&date, "date", "", "YYYY-MM-DD the market was active on")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportBacktest prints the run result. A run without usable trades is
// printed and then returned as an error so the process exits non-zero.
func reportBacktest(w io.Writer, result *models.BacktestResult, err error) error {
	if err != nil && !(errors.Is(err, services.ErrNoUsableTrades) && result != nil) {
		return err
	}
	if writeErr := writeJSON(w, result); writeErr != nil {
		return writeErr
	}
	return err
}
