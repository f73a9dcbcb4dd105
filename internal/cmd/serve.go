package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eldavier/Kiro-sub000/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and activity stream",
	Long: `Start the HTTP API: pipelines, sessions, pool statistics, command
approvals and the server-sent activity stream. The command approval policy
is reloaded whenever the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

const shutdownTimeout = 15 * time.Second

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	handler, err := a.Handler()
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	if viper.ConfigFileUsed() != "" {
		a.WatchConfig(viper.GetViper())
	}

	srv := httpapi.NewServer(a.Config.Server.Addr, handler)
	// Activity streams end when the server shuts down.
	baseCtx, cancelStreams := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancelStreams()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelStreams)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.ErrOrStderr(), "%s kiro listening on %s\n", boldGreen("▸"), cyan(srv.Addr))

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Warn("http shutdown", "error", err)
	}
	return errors.Join(serveErr, a.Close(ctx))
}
