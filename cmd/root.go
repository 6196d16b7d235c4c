// Package cmd defines the harvester command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scholar-harvester/internal/app"
	"github.com/JakeFAU/scholar-harvester/internal/config"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

type serviceKeyType struct{}

var serviceKey serviceKeyType

// Service is the slice of the application the commands drive.
type Service interface {
	Run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error)
	Sources() []harvest.SourceConfig
	Lookup(ctx context.Context, rawURL string) (harvest.RobotsDecision, bool, error)
	Refresh(ctx context.Context, rawURL string) (harvest.RobotsDecision, error)
	Invalidate(ctx context.Context, rawURL string) error
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory builds a Service from loaded configuration.
type Factory func(ctx context.Context, cfg config.Config) (Service, error)

type appService struct {
	*app.App
}

func (s appService) Run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error) {
	return s.Runner().Run(ctx, adapterKey, params)
}

func (s appService) Sources() []harvest.SourceConfig { return s.Registry().Sources() }

func (s appService) Lookup(ctx context.Context, rawURL string) (harvest.RobotsDecision, bool, error) {
	return s.Gate().Lookup(ctx, rawURL)
}

func (s appService) Refresh(ctx context.Context, rawURL string) (harvest.RobotsDecision, error) {
	return s.Gate().Refresh(ctx, rawURL)
}

func (s appService) Invalidate(ctx context.Context, rawURL string) error {
	return s.Gate().Invalidate(ctx, rawURL)
}

func buildApp(ctx context.Context, cfg config.Config) (Service, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return appService{a}, nil
}

// NewRootCmd creates the root command and a release func that closes the
// service built by the command, if any. A nil factory builds the full
// application.
func NewRootCmd(factory Factory) (*cobra.Command, func(context.Context) error) {
	if factory == nil {
		factory = buildApp
	}
	var (
		cfgFile string
		svc     Service
	)

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests public admissions and transfer statistics into a provenance-tracked store.",
		Long: `harvester runs source adapters against public education data portals.
Every run is checked against the domain blocklist and robots.txt, spaced by a
per-host throttle, validated, and written idempotently together with its
citations. Completed runs are recorded in the provenance ledger.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			svc, err = factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), serviceKey, svc))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newHarvestCmd(), newAdaptersCmd(), newRobotsCmd(), newServeCmd())

	release := func(ctx context.Context) error {
		if svc == nil {
			return nil
		}
		err := svc.Close(ctx)
		svc = nil
		return err
	}
	return cmd, release
}

// Execute runs the root command with ctx and closes the application afterwards,
// including when the command fails.
func Execute(ctx context.Context) error {
	root, release := NewRootCmd(nil)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, release(context.WithoutCancel(ctx)))
}

func resolveService(ctx context.Context) (Service, error) {
	svc, ok := ctx.Value(serviceKey).(Service)
	if !ok || svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return svc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
