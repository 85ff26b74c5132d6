package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/app"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "wopi-server",
	Short: "Local WOPI host server",
	Long: `wopi-server runs the WOPI host locally: it serves the files endpoint
called back by the web editor, the edition launch and the administration
routes, the same way the Lambda function does behind API Gateway.`,
	RunE:         runServe,
	SilenceUsage: true,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a host session token for a configured user",
	RunE:  runToken,
}

var (
	configFile string
	addr       string
	seedDir    string
	seedOwner  string
	tokenUser  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	rootCmd.Flags().StringVar(&seedDir, "seed", "", "directory whose files are loaded into the memory store")
	rootCmd.Flags().StringVar(&seedOwner, "seed-owner", "", "owner id of the seeded files")

	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp(ctx context.Context) (*app.App, error) {
	application, err := app.NewApp(ctx, config.New(configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer application.Close()
	logger := application.Logger()

	if seedDir != "" {
		if err := seed(ctx, application, seedDir, seedOwner); err != nil {
			return err
		}
	}

	listen := addr
	if listen == "" {
		listen = application.Config().Server.Addr
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           proxyHandler(application.HandleRequest),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting local server", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func seed(ctx context.Context, application *app.App, dir, owner string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read seed directory: %w", err)
	}
	logger := application.Logger().WithComponent("seed")
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		meta, err := application.Seed(ctx, filepath.Join(dir, e.Name()), owner)
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", e.Name(), err)
		}
		logger.Info("file seeded", "id", meta.ID, "name", meta.Name, "mime_type", meta.MIMEType)
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	application, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Close()

	token, err := application.IssueSessionToken(cmd.Context(), tokenUser)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
