package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/browser"
	_ "github.com/xkilldash9x/catalog-relay/internal/browser/roddriver"
	"github.com/xkilldash9x/catalog-relay/internal/catalog"
	"github.com/xkilldash9x/catalog-relay/internal/config"
	"github.com/xkilldash9x/catalog-relay/internal/network"
	"github.com/xkilldash9x/catalog-relay/internal/observability"
	"github.com/xkilldash9x/catalog-relay/internal/protocol"
	"github.com/xkilldash9x/catalog-relay/internal/relay"
)

// openPage is swapped out in tests.
var openPage = browser.Open

func newRunCmd(v *viper.Viper) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run BASE_URL [TIMEOUT]",
		Short: "Launches the browser and serves commands from stdin",
		Long: `Launches a headless browser and reads commands from stdin, one per line:

  connect    open the catalog, sign in if needed, reply ready_for_requests
  shutdown   close the browser and exit
  {...}      a JSON search request, answered with one page of results

Every reply is a single stdout line prefixed with "message=". TIMEOUT is how
long to wait for the results list, in milliseconds or as a duration (3s).`,
		Args: cobra.RangeArgs(1, 2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlag("session.storage_state", cmd.Flags().Lookup("storage-state")); err != nil {
				return err
			}
			if err := v.BindPFlag("session.save_storage_state", cmd.Flags().Lookup("save-storage-state")); err != nil {
				return err
			}
			if err := v.BindPFlag("browser.driver", cmd.Flags().Lookup("driver")); err != nil {
				return err
			}
			if err := v.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			if err := v.BindPFlag("screenshots.dir", cmd.Flags().Lookup("screenshots-dir")); err != nil {
				return err
			}
			return applyRunArgs(v, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			components, err := initializeRunComponents(ctx, cfg, cmd.OutOrStdout(), logger)
			if err != nil {
				return fmt.Errorf("failed to initialize relay: %w", err)
			}

			logger = observability.WithSession(components.Relay.SessionID())
			logger.Info("Relay started",
				zap.String("base_url", cfg.Site.BaseURL),
				zap.String("driver", cfg.Browser.Driver),
				zap.Duration("timeout", cfg.Site.Timeout))

			lines := protocol.NewLineReader(ctx, cmd.InOrStdin())
			return components.Relay.Run(ctx, lines)
		},
	}

	runCmd.Flags().String("storage-state", "", "Cookie file to restore before connecting (Playwright storage state format)")
	runCmd.Flags().Bool("save-storage-state", false, "Write the browser cookies back to --storage-state after a successful connect")
	runCmd.Flags().String("driver", config.DriverChromedp, fmt.Sprintf("Browser driver (%q or %q)", config.DriverChromedp, config.DriverRod))
	runCmd.Flags().Bool("headless", true, "Run the browser without a window")
	runCmd.Flags().String("screenshots-dir", "screenshots", "Where step screenshots are written when enabled")

	return runCmd
}

// applyRunArgs moves the positional arguments into their config keys.
func applyRunArgs(v *viper.Viper, args []string) error {
	v.Set("site.base_url", args[0])
	if len(args) > 1 {
		timeout, err := parseTimeout(args[1])
		if err != nil {
			return err
		}
		v.Set("site.timeout", timeout)
	}
	return nil
}

// parseTimeout accepts integer milliseconds or a Go duration string.
func parseTimeout(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: expected milliseconds or a duration such as 3s", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}

// runComponents holds the initialized services for one relay session.
type runComponents struct {
	Page   browser.Page
	Client *catalog.Client
	Relay  *relay.Relay
}

// initializeRunComponents handles dependency injection. The browser is
// launched last so nothing has to be torn down on an earlier failure.
func initializeRunComponents(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *zap.Logger) (*runComponents, error) {
	transport := network.NewDefaultTransportConfig()
	transport.IgnoreTLSErrors = cfg.Browser.IgnoreTLSErrors

	client, err := catalog.NewClient(catalog.Options{
		Site:      cfg.Site,
		Search:    cfg.Search,
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog client: %w", err)
	}

	page, err := openPage(ctx, cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	r := relay.New(cfg, page, client, protocol.NewWriter(stdout), logger)
	return &runComponents{Page: page, Client: client, Relay: r}, nil
}
