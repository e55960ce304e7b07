package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/web/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history over HTTP",
	Long: `Serve exposes the recorded run history as a JSON API. Live task events
are only available from 'magenta run --listen', which serves the same API
from inside a running pipeline.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWith(func(c *config.Config) {
		if servePort != 0 {
			c.Web.Port = servePort
		}
	})
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	addr := cfg.Web.Addr()
	fmt.Printf("Serving run history on http://%s/api/status\n", addr)
	return api.NewServer(store, nil, addr).Start(cmd.Context())
}
