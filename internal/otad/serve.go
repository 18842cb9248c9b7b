package otad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/config"
	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/httpapi"
	"github.com/stofradar/ota/internal/metrics"
	"github.com/stofradar/ota/internal/ota"
	"golang.org/x/sync/errgroup"
)

// serveCmd is otad serve.
func serveCmd() *cobra.Command {
	var impl serveImplConfig
	cmd := &cobra.Command{
		GroupID: "device",
		Use:     "serve",
		Short:   "Run the update daemon on the device",
		Long: `otad serve accepts firmware images over HTTP (upload form, gokrazy update
protocol) and downloads images from URLs submitted to it, writing them to the
inactive flash slot.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	cmd.Flags().StringVarP(&impl.configPath, "config", "", config.DefaultPath, "path to config.json (a missing file means defaults)")
	cmd.Flags().StringVarP(&impl.listen, "listen", "", "", "listen address, overrides ListenAddr")
	cmd.Flags().StringVarP(&impl.flashDir, "flash_dir", "", "", "flash directory (see otad mkflash), overrides FlashDir")
	return cmd
}

type serveImplConfig struct {
	configPath string
	listen     string
	flashDir   string
}

func (r *serveImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.ReadFromFile(r.configPath)
	if err != nil {
		return err
	}
	if r.listen != "" {
		cfg.ListenAddr = r.listen
	}
	if r.flashDir != "" {
		cfg.FlashDir = r.flashDir
	}
	d, err := newDaemon(cfg, log.Default())
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Printf("listening on %s", ln.Addr())
	return d.serve(ctx, ln)
}

// Serve runs the daemon configured by configPath on ln until ctx is
// canceled. The config's ListenAddr is ignored.
func Serve(ctx context.Context, ln net.Listener, configPath string, logger *log.Logger) error {
	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = log.Default()
	}
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.serve(ctx, ln)
}

// daemon is the update subsystem of one device together with its HTTP
// interface.
type daemon struct {
	cfg     *config.Struct
	log     *log.Logger
	u       *ota.Updater
	events  *httpapi.Publisher
	handler http.Handler
}

func rebooterFor(mode string) (ota.Rebooter, error) {
	switch mode {
	case config.RebootExit:
		return ota.ExitRebooter{}, nil
	case config.RebootSystem:
		return ota.SystemRebooter{}, nil
	case config.RebootNone:
		return ota.NopRebooter{}, nil
	}
	return nil, fmt.Errorf("unknown reboot mode %q", mode)
}

func newDaemon(cfg *config.Struct, logger *log.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Printf("WARNING: %s", w)
	}
	var password string
	if *cfg.RequireAuth {
		var err error
		password, err = cfg.Password()
		if err != nil {
			return nil, fmt.Errorf("HTTP password: %v", err)
		}
	}
	dev, err := flash.Open(cfg.FlashDir)
	if err != nil {
		return nil, fmt.Errorf("opening flash (create it with otad mkflash): %v", err)
	}
	rebooter, err := rebooterFor(cfg.RebootMode)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	events := httpapi.NewPublisher(logger)
	u := ota.New(flash.NewStager(dev, byte(*cfg.ImageMagic)), ota.Config{
		Planner: ota.Planner{
			ReservedMargin: cfg.ReservedMargin,
			EraseUnit:      cfg.EraseUnit,
		},
		ReadBufferSize: cfg.ReadBufferSize,
		Client: ota.NewPullClient(ota.PullOptions{
			VerifyPeer:      *cfg.VerifyPeer,
			FollowRedirects: *cfg.FollowRedirects,
			Timeout:         cfg.PullTimeout.Std(),
		}),
		Rebooter:    rebooter,
		RebootDelay: cfg.RebootDelay.Std(),
		Logger:      logger,
		Observers:   []ota.Observer{m, events},
	})
	boot := dev.Running()
	logger.Printf("flash %s: running slot %s (%d bytes), %d bytes free for updates",
		dev.Dir(), boot.Slot, boot.Length, dev.FreeSketchSpace())

	return &daemon{
		cfg:    cfg,
		log:    logger,
		u:      u,
		events: events,
		handler: httpapi.New(u, events, httpapi.Config{
			Password:                   password,
			RequireAuth:                *cfg.RequireAuth,
			AllowUnauthenticatedReboot: cfg.AllowUnauthenticatedReboot,
			RebootAfterUpload:          *cfg.RebootAfterUpload,
			Metrics:                    m.Handler(),
			Logger:                     logger,
		}),
	}, nil
}

// tick runs the scheduler: every TickInterval, a pending URL is pulled.
func (d *daemon) tick(ctx context.Context) error {
	t := time.NewTicker(d.cfg.TickInterval.Std())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s, err := d.u.Tick(ctx)
		if err != nil {
			// The outcome is recorded in the session status.
			d.log.Printf("scheduled update: %v", err)
			continue
		}
		if s != nil && s.State() == ota.Succeeded && *d.cfg.RebootAfterUpload {
			if err := d.u.RebootAfterUpdate(); err != nil {
				d.log.Printf("reboot after update: %v", err)
			}
		}
	}
}

// serve runs the HTTP interface on ln and the scheduler until ctx is
// canceled.
func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: d.handler}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return d.tick(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Event streams never finish on their own.
		d.events.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
