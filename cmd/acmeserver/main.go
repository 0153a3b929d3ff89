// Command acmeserver runs the ACME protocol engine as a standalone
// HTTP server, without the rest of the Caddy HTTP pipeline. It is a
// development/ops convenience for running this module outside a full
// Caddyfile.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caddyserver/acmeserver/acme"
	"github.com/caddyserver/acmeserver/acme/ca/selfsigned"
	"github.com/caddyserver/acmeserver/acme/store/boltstore"
	"github.com/caddyserver/acmeserver/acme/store/memstore"
	"github.com/caddyserver/acmeserver/acme/validator"
	"github.com/caddyserver/acmeserver/modules/caddypki/acmeserver"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr      string
		baseURL   string
		prefix    string
		storeKind string
		boltPath  string
		caName    string
		website   string
	)

	cmd := &cobra.Command{
		Use:   "acmeserver",
		Short: "Run a standalone ACME (RFC 8555) certificate issuance server",
		Long: `acmeserver runs the ACME protocol engine as a standalone HTTP
server. It issues from an ephemeral self-signed root,
suitable for local development and integration testing against real
ACME clients; point it at a persistent store with --store=bolt for
longer-lived state across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runConfig{
				addr:      addr,
				baseURL:   baseURL,
				prefix:    prefix,
				storeKind: storeKind,
				boltPath:  boltPath,
				caName:    caName,
				website:   website,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8443", "address to listen on")
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8443", "external scheme and host the advertised URLs are rooted at")
	cmd.Flags().StringVar(&prefix, "prefix", "", "optional path prefix prepended to the ACME endpoints")
	cmd.Flags().StringVar(&storeKind, "store", "memory", `persistence backend: "memory" or "bolt"`)
	cmd.Flags().StringVar(&boltPath, "bolt-path", "acmeserver.db", "bbolt database path when --store=bolt")
	cmd.Flags().StringVar(&caName, "ca", "local", "name of this CA, used in the self-signed root's common name")
	cmd.Flags().StringVar(&website, "website", "", "website URL advertised in the directory's meta block")

	return cmd
}

type runConfig struct {
	addr      string
	baseURL   string
	prefix    string
	storeKind string
	boltPath  string
	caName    string
	website   string
}

func run(ctx context.Context, cfg runConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if err := store.CheckSchema(ctx); err != nil {
		return fmt.Errorf("checking store schema: %w", err)
	}

	ca, err := selfsigned.New("ACME Server Development CA: " + cfg.caName)
	if err != nil {
		return fmt.Errorf("provisioning selfsigned CA: %w", err)
	}

	urls := acmeserver.NewURLBuilder(cfg.baseURL, cfg.prefix)
	engine := acme.NewEngine(acme.EngineConfig{
		Store: store,
		CA:    ca,
		URLs:  urls,
		Validators: map[acme.ChallengeType]acme.Validator{
			acme.ChallengeHTTP01:    validator.NewHTTP01(0, 0),
			acme.ChallengeDNS01:     validator.NewDNS01("", 0),
			acme.ChallengeTLSALPN01: validator.NewTLSALPN01(0),
		},
		DirectoryMeta: acme.DirectoryMeta{Website: cfg.website},
	})
	defer engine.Close()

	router := acmeserver.NewRouter(engine, urls, logger)

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("acme server listening",
			zap.String("addr", cfg.addr),
			zap.String("base_url", cfg.baseURL),
			zap.String("prefix", cfg.prefix),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
	}
	return nil
}

func openStore(cfg runConfig) (acme.Store, error) {
	switch cfg.storeKind {
	case "", "memory":
		return memstore.New(), nil
	case "bolt":
		return boltstore.Open(cfg.boltPath)
	default:
		return nil, fmt.Errorf("unrecognized store backend: %s", cfg.storeKind)
	}
}
