// Command nowlinkd runs one node of the link protocol over UDP broadcast and
// exposes its command console on stdin and stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/nowlink"
	"github.com/ngrok/nowlink/internal/config"
	"github.com/ngrok/nowlink/internal/console"
	"github.com/ngrok/nowlink/internal/instance"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

type options struct {
	id                byte
	listen            string
	broadcast         string
	mac               string
	stateDir          string
	capacity          int
	locateWindow      time.Duration
	statusWindow      time.Duration
	reservationWindow time.Duration
	lockTimeout       time.Duration
	lockRetries       int
	jitter            time.Duration
	addressPolicy     nowlink.AddressPolicy
	logLevel          string
	logFormat         string
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, bool, error) {
	configPath := fs.String("config", "", "path to config file (JSON)")
	id := fs.String("id", "", "node id, 0x00 to 0xfe")
	listen := fs.String("listen", ":4210", "UDP listen address")
	broadcast := fs.String("broadcast", "255.255.255.255:4210", "UDP broadcast address")
	mac := fs.String("mac", "", "hardware address reported by MAC (default: derived from the socket)")
	stateDir := fs.String("state-dir", os.TempDir(), "directory for the instance lock")
	capacity := fs.Int("capacity", nowlink.DefaultCapacity, "link table capacity")
	locateWindow := fs.Duration("locate-window", nowlink.DefaultLocateWindow, "how long NET_LOCATE waits for replies")
	statusWindow := fs.Duration("status-window", nowlink.DefaultStatusWindow, "how long NET_STATUS waits for replies")
	reservationWindow := fs.Duration("reservation-window", nowlink.DefaultReservationWindow, "how long a provisional slot waits to be finalized")
	lockTimeout := fs.Duration("lock-timeout", nowlink.DefaultLockTimeout, "bounded wait of one link table lock attempt")
	lockRetries := fs.Int("lock-retries", nowlink.DefaultLockRetries, "link table lock attempts")
	jitter := fs.Duration("jitter", 10*time.Millisecond, "maximum random delay of replies")
	addressPolicy := fs.String("address-policy", "trust", "handling of peers changing address: trust or reject")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "logfmt", "log format (logfmt, json)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, false, errors.Wrap(err, "load config")
		}
		if err := config.ApplyToFlags(fs, cfg); err != nil {
			return nil, false, err
		}
	}

	opts := &options{
		listen:            *listen,
		broadcast:         *broadcast,
		mac:               *mac,
		stateDir:          *stateDir,
		capacity:          *capacity,
		locateWindow:      *locateWindow,
		statusWindow:      *statusWindow,
		reservationWindow: *reservationWindow,
		lockTimeout:       *lockTimeout,
		lockRetries:       *lockRetries,
		jitter:            *jitter,
		logLevel:          *logLevel,
		logFormat:         *logFormat,
	}
	if *id == "" {
		return nil, false, errors.New("-id is required")
	}
	n, err := strconv.ParseUint(*id, 0, 8)
	if err != nil {
		return nil, false, errors.Wrapf(err, "invalid node id %q", *id)
	}
	opts.id = byte(n)
	switch *addressPolicy {
	case "trust":
		opts.addressPolicy = nowlink.TrustOnConfirm
	case "reject":
		opts.addressPolicy = nowlink.RejectMismatch
	default:
		return nil, false, errors.Errorf("invalid address policy %q", *addressPolicy)
	}
	return opts, false, nil
}

func main() {
	opts, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	handler, err := config.Handler(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	l := log15.New("node", fmt.Sprintf("%#02x", opts.id))
	l.SetHandler(handler)

	lk, err := instance.Acquire(l, opts.stateDir, opts.id)
	if err != nil {
		return err
	}
	defer lk.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := nowlink.ListenUDP(ctx, l, opts.listen, opts.broadcast)
	if err != nil {
		return err
	}
	defer transport.Close()

	engine, err := nowlink.New(opts.id, transport,
		nowlink.WithLogger(l),
		nowlink.WithCapacity(opts.capacity),
		nowlink.WithLocateWindow(opts.locateWindow),
		nowlink.WithStatusWindow(opts.statusWindow),
		nowlink.WithReservationWindow(opts.reservationWindow),
		nowlink.WithLockTimeout(opts.lockTimeout),
		nowlink.WithLockRetries(opts.lockRetries),
		nowlink.WithReplyJitter(opts.jitter),
		nowlink.WithAddressPolicy(opts.addressPolicy),
	)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}

	mac := transport.HardwareAddr()
	if opts.mac != "" {
		if mac, err = nowlink.ParseHardwareAddr(opts.mac); err != nil {
			return errors.Wrap(err, "invalid -mac")
		}
	}
	cons := console.New(l.New("component", "console"), engine, mac, version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			return errors.Errorf("received %v", s)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down")
		return engine.Stop()
	})
	// the console blocks on stdin, so it is not waited for
	go func() {
		if err := cons.Serve(gctx, os.Stdin, os.Stdout); err != nil && gctx.Err() == nil {
			l.Error("console failed", "err", err)
		}
		cancel()
	}()

	err = g.Wait()
	l.Info("stopped", "reason", err)
	return nil
}
