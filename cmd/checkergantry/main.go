package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/CheckerGantry/internal/config"
	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/gantry"
	"github.com/cjeanneret/CheckerGantry/internal/remote"
	"github.com/cjeanneret/CheckerGantry/internal/web"
)

// newGantry builds the machine; tests swap it for a sim with instant delays.
var newGantry = gantry.New

// options are the command-line overrides of the config file.
type options struct {
	webPort    int
	listen     string
	serialPort string
	skipHome   bool
}

func main() {
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web console on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	listen := flag.String("listen", "", "override remote.listen (TCP command address)")
	serialPort := flag.String("serial", "", "override remote.serial_port")
	skipHome := flag.Bool("skip-home", false, "start without homing")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOptions(cfg, options{
		webPort:    webPort.port(),
		listen:     *listen,
		serialPort: *serialPort,
		skipHome:   *skipHome,
	})

	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO backend", cfg.Defaults.GPIOBackend)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("checkergantry: %v", err)
	}
}

// applyOptions mutates cfg with the non-zero command-line overrides.
func applyOptions(cfg *config.Config, o options) {
	if o.webPort > 0 {
		cfg.Defaults.WebPort = o.webPort
	}
	if o.listen != "" {
		cfg.Remote.Listen = o.listen
	}
	if o.serialPort != "" {
		cfg.Remote.SerialPort = o.serialPort
	}
	if o.skipHome {
		cfg.Defaults.SkipHoming = true
	}
}

// run builds the machine, homes it, and serves every configured command
// surface until ctx is done. Motors are disabled on the way out.
func run(ctx context.Context, cfg *config.Config) (err error) {
	if cfg.Remote.Listen == "" && cfg.Remote.SerialPort == "" && cfg.Defaults.WebPort == 0 {
		return errors.New("no command surface configured: set remote.listen, remote.serial_port or -web")
	}

	debug.Step(1, "Building gantry")
	g, err := newGantry(cfg)
	if err != nil {
		return errors.Wrap(err, "init gantry")
	}
	defer func() {
		debug.Info("disabling motors")
		err = multierr.Append(err, errors.Wrap(g.Close(), "close gantry"))
	}()

	var console *web.Server
	if cfg.Defaults.WebPort > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		console, err = web.NewServer(fmt.Sprintf(":%d", cfg.Defaults.WebPort), broadcaster, g, cfg.Board.Squares)
		if err != nil {
			return err
		}
	}

	if cfg.Defaults.SkipHoming {
		debug.Info("homing skipped; moves are rejected until HOME")
	} else {
		debug.Step(2, "Homing")
		rep, herr := g.Home(ctx)
		debug.Summary("Homing Results")
		for _, res := range rep.Results {
			debug.Homed(res.Axis.String(), res.OK, res.MinMm, res.MaxMm)
		}
		if herr != nil {
			// Keep serving: the axes that homed are usable and HOME can retry.
			debug.Error(errors.Wrap(herr, "homing"))
		}
	}

	debug.Step(3, "Serving")
	h := remote.NewHandler(g)
	eg, gctx := errgroup.WithContext(ctx)
	if cfg.Remote.Listen != "" {
		eg.Go(func() error {
			return remote.NewServer(h).ListenAndServe(gctx, cfg.Remote.Listen)
		})
	}
	if cfg.Remote.SerialPort != "" {
		eg.Go(func() error {
			return remote.ServeSerial(gctx, cfg.Remote.SerialPort, cfg.Remote.SerialBaud, h)
		})
	}
	if console != nil {
		eg.Go(func() error { return console.Run(gctx) })
	}
	return eg.Wait()
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return errors.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
