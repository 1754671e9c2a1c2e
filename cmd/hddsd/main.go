// hddsd runs a standalone DDS participant: discovery, an admin/metrics
// endpoint, and any endpoints configured for interop smoke testing.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hdds-team/hdds-go/pkg/admin"
	"github.com/hdds-team/hdds-go/pkg/config"
	hddsflags "github.com/hdds-team/hdds-go/pkg/flags"
	"github.com/hdds-team/hdds-go/pkg/participant"
	"github.com/hdds-team/hdds-go/pkg/peers"
	"github.com/hdds-team/hdds-go/pkg/transport"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// stunTimeout bounds each STUN binding exchange.
const stunTimeout = 3 * time.Second

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile   string
		adminAddr    string
		logLevel     string
		printVersion bool
	)

	cmd := &cobra.Command{
		Use:   "hddsd",
		Short: "hddsd runs a DDS participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hddsflags.SetLogLevel(logLevel); err != nil {
				return err
			}
			hddsflags.MaybePrintVersionAndExit(printVersion)

			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, adminAddr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the participant config file")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", ":9990", "address for the metrics/admin endpoint")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&printVersion, "version", false, "print version and exit")
	cmd.Flags().Uint32("domain", 0, "DDS domain id")
	cmd.Flags().StringSlice("peer", nil, "additional unicast discovery peers (host:port)")
	return cmd
}

// loadConfig merges the config file, the HDDS_DOMAIN_ID environment
// variable and command-line flags, flags winning.
func loadConfig(path string, flags *pflag.FlagSet) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("hdds")
	v.AutomaticEnv()

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if v.IsSet("domain_id") {
		cfg.DomainID = v.GetUint32("domain_id")
	}
	if flags.Changed("domain") {
		domain, _ := flags.GetUint32("domain")
		cfg.DomainID = domain
	}
	if extra, _ := flags.GetStringSlice("peer"); len(extra) > 0 {
		cfg.DiscoveryPeers = append(cfg.DiscoveryPeers, extra...)
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, adminAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ttl := transport.TTLForScope(cfg.TTLScope)
	var group net.IP
	if !cfg.DisableMulticast {
		group = wire.DefaultMulticastGroup
		if cfg.MulticastAddress != "" {
			group = net.ParseIP(cfg.MulticastAddress)
		}
	}
	meta, err := transport.NewUDPChannel(transport.UDPConfig{
		Port:           metaPort(cfg),
		Interface:      cfg.NetworkInterface,
		MulticastGroup: group,
		TTL:            ttl,
	})
	if err != nil {
		return fmt.Errorf("metatraffic channel: %w", err)
	}
	user, err := transport.NewUDPChannel(transport.UDPConfig{
		Port:      userPort(cfg),
		Interface: cfg.NetworkInterface,
		TTL:       ttl,
	})
	if err != nil {
		meta.Close()
		return fmt.Errorf("user channel: %w", err)
	}

	p, err := participant.New(cfg, participant.WithChannels(meta, user))
	if err != nil {
		return err
	}
	defer p.Close()
	log.Infof("hddsd: participant %s on domain %d", p.GUID(), cfg.DomainID)

	if len(cfg.DiscoveryPeers) > 0 {
		static, err := peers.NewStatic(cfg.DiscoveryPeers)
		if err != nil {
			return err
		}
		locs, _ := static.Peers()
		p.AddUnicastPeers(locs)
	}
	if cfg.StunServer != "" {
		// Best effort: the reflexive locator is added as a unicast SPDP
		// send target only; it is not added to the participant's
		// announced locators. A failed STUN exchange adds nothing.
		client := peers.NewStunClient(cfg.StunServer, stunTimeout, 3)
		if loc, err := client.Discover(); err == nil {
			p.AddUnicastPeers([]wire.Locator{loc})
		} else {
			log.Warnf("hddsd: %s", err)
		}
	}

	running := false
	adminSrv := admin.NewServer(adminAddr, func() bool { return running }, true)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		running = true
		return p.Run(ctx)
	})
	g.Go(func() error {
		log.Infof("hddsd: admin endpoint on %s", adminAddr)
		if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return adminSrv.Close()
	})
	if cfg.Security != nil {
		g.Go(func() error {
			return cfg.Security.WatchCredentials(ctx, func() {
				log.Info("hddsd: security credentials rotated")
			})
		})
	}
	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func metaPort(cfg config.Config) uint32 {
	pid := uint32(0)
	if cfg.ParticipantID > 0 {
		pid = uint32(cfg.ParticipantID)
	}
	return wire.MetatrafficUnicastPort(cfg.DomainID, pid)
}

func userPort(cfg config.Config) uint32 {
	pid := uint32(0)
	if cfg.ParticipantID > 0 {
		pid = uint32(cfg.ParticipantID)
	}
	return wire.UserUnicastPort(cfg.DomainID, pid)
}
