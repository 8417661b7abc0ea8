// Command watch is the dashboard consumer. It keeps a local device list and
// polls the server for whichever device is being watched.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/client"
	"github.com/Fimeg/systemsdashboard/internal/config"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/poller"
	"github.com/Fimeg/systemsdashboard/internal/store"
)

const usage = `usage: watch [--config path] <command> [flags]

commands:
  list                 list stored devices
  add                  register a device and store it
  test                 check a device without storing it
  remove <id>          forget a stored device
  watch [id]           poll a device (default: the local system)
`

func main() {
	global := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "config.yaml", "path to the configuration file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd string, args []string) error {
	backing, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer backing.Close()

	devices := store.NewDevices(backing)
	c := client.New(logger, devices, client.Options{
		BaseURL: cfg.Client.APIURL,
		Timeout: cfg.Client.GetTimeout(),
	})

	switch cmd {
	case "list":
		return listDevices(ctx, c)
	case "add", "test":
		return addDevice(ctx, c, args, cmd == "test")
	case "remove":
		if len(args) != 1 {
			return errors.New("remove takes exactly one device id")
		}
		if err := c.RemoveDevice(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	case "watch":
		return watch(ctx, cfg, logger, c, devices, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listDevices(ctx context.Context, c *client.Client) error {
	list, err := c.Devices(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-32s %-14s %-20s %s\n", "ID", "TYPE", "NAME", "ADDRESS")
	fmt.Printf("%-32s %-14s %-20s %s\n", poller.LocalID, "host", "Local System", "")
	for _, d := range list {
		fmt.Printf("%-32s %-14s %-20s %s\n", d.ID, d.Type, d.Name, d.Address)
	}
	return nil
}

func addDevice(ctx context.Context, c *client.Client, args []string, test bool) error {
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	var d device.Descriptor
	var creds auth.Credentials
	fs.StringVar(&d.ID, "id", "", "device id (clusters derive theirs from the address)")
	fs.StringVar(&d.Name, "name", "", "display name")
	fs.StringVarP(&d.Type, "type", "t", "", "device type: host, cluster, vm, container-host or container")
	fs.StringVarP(&d.Address, "address", "a", "", "device address")
	fs.StringVar(&d.Node, "node", "", "cluster node hosting the device")
	fs.StringVar(&d.Transport, "transport", "", "command transport: ssh or winrm")
	fs.StringVar(&d.Container, "container", "", "container name")
	fs.StringVar(&creds.TokenID, "token-id", "", "API token id (user@realm!name)")
	fs.StringVar(&creds.TokenSecret, "token-secret", "", "API token secret")
	fs.StringVarP(&creds.Username, "username", "u", "", "username")
	fs.StringVarP(&creds.Password, "password", "p", "", "password")
	fs.StringVar(&creds.Realm, "realm", "", "authentication realm (default pam)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if creds != (auth.Credentials{}) {
		d.Credentials = &creds
	}

	var (
		res *client.AddResult
		err error
	)
	if test {
		res, err = c.TestConnection(ctx, d)
	} else {
		res, err = c.AddDevice(ctx, d)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (%s)\n", res.Message, res.Device.ID, res.Device.Type)
	return nil
}

func watch(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *client.Client, devices *store.Devices, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	node := fs.String("node", "", "cluster node to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := poller.Local()
	if id := fs.Arg(0); id != "" && id != poller.LocalID {
		d, err := devices.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load device %s: %w", id, err)
		}
		target = poller.Target{Device: d, Node: *node}
	}

	sched := poller.New(logger, c, poller.Options{
		Interval:    cfg.Poller.GetInterval(),
		MinInterval: cfg.Poller.GetMinInterval(),
		Debounce:    cfg.Poller.GetDebounce(),
		MaxRetries:  cfg.Poller.MaxRetries,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := sched.Select(gctx, target); err != nil {
			return err
		}
		return printUpdates(gctx, sched)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printUpdates(ctx context.Context, sched *poller.Scheduler) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-sched.Updates():
			if u.Err != nil {
				st := sched.State()
				fmt.Fprintf(os.Stderr, "%s error: %v\n", time.Now().Format(time.TimeOnly), u.Err)
				switch {
				case st.NeedsReconfigure:
					fmt.Fprintln(os.Stderr, "Polling stopped. Re-add the device with valid settings, then watch again.")
				case st.Halted:
					fmt.Fprintln(os.Stderr, "Polling stopped after repeated failures.")
				}
				continue
			}
			if u.Placeholder {
				fmt.Fprintln(os.Stderr, "Cluster selected. Pass --node to watch one of its nodes.")
			}
			if err := enc.Encode(u.Data); err != nil {
				return err
			}
		}
	}
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries the data stream
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
