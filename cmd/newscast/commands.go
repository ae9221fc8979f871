package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/newscast/forecaster/internal/aggregate"
	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/astro"
	"github.com/newscast/forecaster/internal/config"
	"github.com/newscast/forecaster/internal/holiday"
	"github.com/newscast/forecaster/internal/server"
)

// runKeyFromFlags overlays non-empty flag values on the configured source.
func runKeyFromFlags(cfg *config.Config, sheet, gid string, horizon int) (api.RunKey, error) {
	key := api.RunKey{SheetID: cfg.SheetID, GID: cfg.GID, Horizon: cfg.Horizon}
	if sheet != "" {
		key.SheetID = sheet
	}
	if gid != "" {
		key.GID = gid
	}
	if horizon != 0 {
		key.Horizon = horizon
	}
	if key.SheetID == "" {
		return key, fmt.Errorf("sheet id is required (--sheet or SHEET_ID)")
	}
	if err := config.ValidateHorizon(key.Horizon); err != nil {
		return key, err
	}
	return key, nil
}

// forecastCmd runs one pipeline pass and prints the result
func forecastCmd() *cobra.Command {
	var (
		sheet, gid string
		horizon    int
		format     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Run one forecast and print it",
		Long: `Fetches the sheet, fits every channel and prints the result.
Formats: json (summary), csv (full table) or today (today-only CSV).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			key, err := runKeyFromFlags(cfg, sheet, gid, horizon)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			snap, err := a.service.Refresh(ctx, key)
			if err != nil {
				return fmt.Errorf("forecast failed: %w", err)
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return printSnapshot(w, snap, format)
		},
	}

	cmd.Flags().StringVar(&sheet, "sheet", "", "Sheet id (default SHEET_ID)")
	cmd.Flags().StringVar(&gid, "gid", "", "Sheet tab gid (default SHEET_GID)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "Forecast horizon in days, 30-180 (default HORIZON_DAYS)")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json, csv or today")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

func printSnapshot(w io.Writer, snap *api.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":      snap.RunID,
			"target_date": snap.TargetDate.Format(api.DateLayout),
			"today":       snap.Today,
			"info":        snap.Info,
			"ingest":      snap.Ingest,
			"failures":    snap.Failures,
		})
	case "csv":
		return aggregate.WriteCSV(w, snap.Table)
	case "today":
		return aggregate.WriteCSV(w, aggregate.TodayRows(snap.Today, snap.Order(), snap.TargetDate))
	}
	return fmt.Errorf("unknown format %q", format)
}

// serveCmd starts the HTTP API
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve forecasts over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			srv := server.New(a.service, server.Config{
				DefaultKey: api.RunKey{SheetID: cfg.SheetID, GID: cfg.GID, Horizon: cfg.Horizon},
				TokenRate:  cfg.TokenRate,
				Gatherer:   prometheus.DefaultGatherer,
			}, slog.Default())

			httpServer := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      srv.Routes(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 2 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			sweepCtx, stopSweep := context.WithCancel(cmd.Context())
			defer stopSweep()
			go a.service.SweepExpired(sweepCtx, time.Minute)

			// Graceful shutdown
			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			errc := make(chan error, 1)
			go func() {
				slog.Info("starting server", slog.String("port", cfg.Port))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errc <- err
				}
			}()

			select {
			case <-shutdown:
			case err := <-errc:
				a.Close(context.Background())
				return fmt.Errorf("server error: %w", err)
			}
			slog.Info("shutting down server")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(ctx); err != nil {
				slog.Warn("server shutdown error", slog.String("error", err.Error()))
			}
			a.Close(ctx)

			slog.Info("server stopped")
			return nil
		},
	}
}

// holidaysCmd prints the holiday table for a year range
func holidaysCmd() *cobra.Command {
	var from, to int

	cmd := &cobra.Command{
		Use:   "holidays",
		Short: "Print the solar and lunar holiday table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == 0 {
				to = from
			}
			b := holiday.NewBuilder(holiday.KoreanLunar{}, slog.Default(), nil)
			events := b.Build(from, to)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}

	cmd.Flags().IntVar(&from, "from", time.Now().Year(), "First year")
	cmd.Flags().IntVar(&to, "to", 0, "Last year (default --from)")

	return cmd
}

// sunsetCmd prints Seoul sunset hours
func sunsetCmd() *cobra.Command {
	var (
		start string
		days  int
	)

	cmd := &cobra.Command{
		Use:   "sunset",
		Short: "Print Seoul sunset times as fractional hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := api.NormalizeDate(time.Now().In(astro.KST))
			if start != "" {
				d, err := time.Parse(api.DateLayout, start)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				day = d
			}
			if days < 1 {
				days = 1
			}

			p := astro.NewEphemeris(slog.Default(), nil)
			w := cmd.OutOrStdout()
			for i := 0; i < days; i++ {
				d := day.AddDate(0, 0, i)
				fmt.Fprintf(w, "%s\t%s\n", d.Format(api.DateLayout), formatHour(p.SunsetHour(d)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "date", "", "First date, YYYY-MM-DD (default today in KST)")
	cmd.Flags().IntVar(&days, "days", 1, "Number of days")

	return cmd
}

func formatHour(h float64) string {
	hh := int(h)
	mm := int((h-float64(hh))*60 + 0.5)
	if mm == 60 {
		hh, mm = hh+1, 0
	}
	return fmt.Sprintf("%.2f (%02d:%02d)", h, hh, mm)
}
