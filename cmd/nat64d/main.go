// Command nat64d runs a user-space stateful NAT64 translator or a
// stateless CLAT translator, selected by subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nat64d/nat64d/internal/config"
	"github.com/nat64d/nat64d/internal/logging"
	"github.com/nat64d/nat64d/internal/metrics"
	"github.com/nat64d/nat64d/internal/route"
	"github.com/nat64d/nat64d/internal/xlatdriver"
	"github.com/nat64d/nat64d/pkg/natbinding"
	"github.com/nat64d/nat64d/pkg/tun"
)

// Interrupted wraps the signal that caused a clean shutdown.
type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until SIGINT or SIGTERM is received or ctx is
// cancelled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nat64Flags struct {
	configPath         string
	interfaceName      string
	translationPrefix  string
	poolPrefixes       []string
	staticMap          []string
	reservationTimeout int
	numQueues          int
	prometheus         string
}

type clatFlags struct {
	configPath     string
	interfaceName  string
	via            string
	customerPrefix []string
	numQueues      int
	prometheus     string
}

func main() {
	root := &cobra.Command{
		Use:   "nat64d",
		Short: "Stateful NAT64 / stateless CLAT address translator",
	}
	root.AddCommand(newNat64Command())
	root.AddCommand(newClatCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var invalid *config.InvalidConfig
	if errors.As(err, &invalid) {
		return 1
	}
	return 2
}

func newNat64Command() *cobra.Command {
	var f nat64Flags
	cmd := &cobra.Command{
		Use:   "nat64",
		Short: "Run the dynamic NAT64 engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.configPath != "" && cmd.Flags().NFlag() > 1 {
				return &config.InvalidConfig{Reason: "--config cannot be combined with other flags"}
			}
			return runNat64(f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&f.interfaceName, "interface", "nat64%d", "TUN interface name")
	flags.StringVar(&f.translationPrefix, "translation-prefix", "64:ff9b::/96", "IPv6 translation prefix")
	flags.StringArrayVar(&f.poolPrefixes, "pool-prefix", nil, "IPv4 pool prefix (repeatable, at least one required)")
	flags.StringArrayVar(&f.staticMap, "static-map", nil, "Static V4=V6 reservation (repeatable)")
	flags.IntVar(&f.reservationTimeout, "reservation-timeout", 7200, "Dynamic binding idle timeout, in seconds")
	flags.IntVar(&f.numQueues, "num-queues", 10, "Number of TUN queues / worker threads")
	flags.StringVar(&f.prometheus, "prometheus", "", "HOST:PORT to expose Prometheus metrics on")
	return cmd
}

func newClatCommand() *cobra.Command {
	var f clatFlags
	cmd := &cobra.Command{
		Use:   "clat",
		Short: "Run the stateless CLAT engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.configPath != "" && cmd.Flags().NFlag() > 1 {
				return &config.InvalidConfig{Reason: "--config cannot be combined with other flags"}
			}
			return runClat(f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&f.interfaceName, "interface", "clat%d", "TUN interface name")
	flags.StringVar(&f.via, "via", "64:ff9b::/96", "IPv6 embed prefix")
	flags.StringArrayVar(&f.customerPrefix, "customer-prefix", nil, "IPv4 customer prefix (repeatable, at least one required)")
	flags.IntVar(&f.numQueues, "num-queues", 10, "Number of TUN queues / worker threads")
	flags.StringVar(&f.prometheus, "prometheus", "", "HOST:PORT to expose Prometheus metrics on")
	return cmd
}

func nat64ConfigFromFlags(f nat64Flags) (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}

	n := config.DefaultNat64Config()
	n.Interface = f.interfaceName
	n.NumQueues = f.numQueues
	n.ReservationTimeout = time.Duration(f.reservationTimeout) * time.Second

	prefix, err := netip.ParsePrefix(f.translationPrefix)
	if err != nil {
		return nil, &config.InvalidConfig{Reason: fmt.Sprintf("translation-prefix: %v", err)}
	}
	n.TranslationPrefix = prefix

	for _, s := range f.poolPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, &config.InvalidConfig{Reason: fmt.Sprintf("pool-prefix %q: %v", s, err)}
		}
		n.Pool = append(n.Pool, p)
	}
	for _, s := range f.staticMap {
		b, err := config.ParseStaticMap(s)
		if err != nil {
			return nil, &config.InvalidConfig{Reason: err.Error()}
		}
		n.StaticMap = append(n.StaticMap, b)
	}

	cfg := config.DefaultConfig()
	cfg.Nat64 = n
	cfg.Metrics.Addr = f.prometheus
	return cfg, nil
}

func clatConfigFromFlags(f clatFlags) (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}

	c := config.DefaultClatConfig()
	c.Interface = f.interfaceName
	c.NumQueues = f.numQueues

	via, err := netip.ParsePrefix(f.via)
	if err != nil {
		return nil, &config.InvalidConfig{Reason: fmt.Sprintf("via: %v", err)}
	}
	c.Via = via

	for _, s := range f.customerPrefix {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, &config.InvalidConfig{Reason: fmt.Sprintf("customer-prefix %q: %v", s, err)}
		}
		c.CustomerPrefix = append(c.CustomerPrefix, p)
	}

	cfg := config.DefaultConfig()
	cfg.Clat = c
	cfg.Metrics.Addr = f.prometheus
	return cfg, nil
}

func runNat64(f nat64Flags) error {
	cfg, err := nat64ConfigFromFlags(f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	n := cfg.Nat64
	dev, err := tun.Open(n.Interface, n.NumQueues)
	if err != nil {
		return fmt.Errorf("open TUN device: %w", err)
	}
	defer dev.Close()

	routes := route.New(log)
	if err := routes.InstallNat64Routes(dev.Name(), n.TranslationPrefix, n.Pool); err != nil {
		return fmt.Errorf("install routes: %w", err)
	}

	bindings := natbinding.New(n.Pool, n.ReservationTimeout)
	now := time.Now()
	for _, b := range n.StaticMap {
		if err := bindings.InsertStatic(b.V4, b.V6, now); err != nil {
			return fmt.Errorf("install static map %s=%s: %w", b.V4, b.V6, err)
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	mtu, err := dev.MTU()
	if err != nil {
		mtu = tun.DefaultMTU
	}
	driver := xlatdriver.NewNat64Driver(dev, bindings, n.TranslationPrefix, collector, log, mtu)

	return runEngine(cfg, log, reg, driver.Run)
}

func runClat(f clatFlags) error {
	cfg, err := clatConfigFromFlags(f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	c := cfg.Clat
	dev, err := tun.Open(c.Interface, c.NumQueues)
	if err != nil {
		return fmt.Errorf("open TUN device: %w", err)
	}
	defer dev.Close()

	routes := route.New(log)
	if err := routes.BringUpClat(dev.Name()); err != nil {
		return fmt.Errorf("install routes: %w", err)
	}
	for _, customer := range c.CustomerPrefix {
		if err := routes.InstallClatCustomerRoute(dev.Name(), customer, c.Via); err != nil {
			return fmt.Errorf("install routes: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	mtu, err := dev.MTU()
	if err != nil {
		mtu = tun.DefaultMTU
	}
	driver := xlatdriver.NewClatDriver(dev, c.Via, collector, log, mtu)

	return runEngine(cfg, log, reg, driver.Run)
}

// runEngine wires the translation driver, optional metrics server, and
// signal handling together behind a shared cancellation context.
func runEngine(cfg *config.Config, log *zap.SugaredLogger, reg *prometheus.Registry, run func(ctx context.Context)) error {
	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		run(ctx)
		return nil
	})

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, reg)
		wg.Go(func() error {
			return metrics.ListenAndServe(ctx, &net.ListenConfig{}, srv, cfg.Metrics.Addr)
		})
		wg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infow("caught signal", "error", err)
		return err
	})

	if err := wg.Wait(); err != nil {
		var interrupted Interrupted
		if errors.As(err, &interrupted) {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
