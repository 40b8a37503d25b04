package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livesite/internal/config"
	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/server"
	"github.com/conneroisu/livesite/internal/validation"
)

var autoCmd = &cobra.Command{
	Use:     "auto",
	Aliases: []string{"serve"},
	Short:   "Build the site, serve it and reload browsers on change",
	Long: `Run the build command, serve the output folder and rebuild whenever a
source file changes. Browsers viewing the site reload when the output changes
and show an alert when a build fails.

Examples:
  livesite auto                     # Serve on 0.0.0.0:8000
  livesite auto -p 9000 -b          # Serve on port 9000 and open a browser
  livesite auto -a 127.0.0.1        # Only listen on loopback
  livesite auto -6                  # Listen on all IPv4 and IPv6 interfaces
  livesite auto --debounce 300ms    # Coalesce bursts of changes`,
	RunE: runAuto,
}

func init() {
	rootCmd.AddCommand(autoCmd)

	flags := autoCmd.Flags()
	flags.IntP("port", "p", 8000, "Port to serve on")
	flags.StringP("address", "a", "", "Address to bind (default all IPv4 interfaces)")
	flags.BoolP("browser", "b", false, "Open the site in a browser")
	flags.BoolP("ipv6", "6", false, "Listen on IPv6 as well (binds :: when no address is given)")
	flags.Duration("debounce", 0, "Wait this long after the last change before rebuilding")

	AddFlagValidation(autoCmd, "port", ValidatePort)
	AddFlagValidation(autoCmd, "address", validation.ValidateHost)

	bindOnRun(autoCmd, map[string]string{
		"port":     "server.port",
		"address":  "server.address",
		"browser":  "server.browser",
		"ipv6":     "server.ipv6",
		"debounce": "build.debounce",
	})
}

func runAuto(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting livesite server at %s\n", displayURL(cfg))

	if err := srv.Start(ctx); err != nil {
		if liveerrors.IsKind(err, liveerrors.KindListenerBind) {
			return liveerrors.NewEnhancedError(
				fmt.Sprintf("Failed to start server on port %d", cfg.Server.Port),
				err,
				liveerrors.ServerStartSuggestions(err, cfg.Server.Port),
			)
		}
		return fmt.Errorf("server error: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
	return nil
}

func displayURL(cfg *config.Config) string {
	host := cfg.ListenAddress()
	switch host {
	case "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}
