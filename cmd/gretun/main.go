package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gretun "github.com/relaygrid/gretun"
)

type options struct {
	logLevel   uint32
	version    bool
	env        string
	descriptor string
	policy     string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "gretun",
		Short: "Multi-tenant forward TCP proxy data-plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Prints code version string")
	cmd.Flags().StringVarP(&opt.env, "env", "e", envFromOS("dev"), "environment: dev, beta, product")
	cmd.Flags().StringVarP(&opt.descriptor, "descriptor", "d", defaultDescriptorPath(envFromOS("dev")), "path to the gre_tunnel_config descriptor file")
	cmd.Flags().StringVarP(&opt.policy, "policy", "p", "", "path to an optional local TOML policy file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Functions to call on shutdown, in the teacher's cmd/routedns/main.go style.
var onClose []func()

func start(opt options) error {
	if opt.version {
		printVersion()
		os.Exit(0)
	}
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	gretun.Log.SetLevel(logrus.Level(opt.logLevel))

	pol, err := loadConfig(opt.policy)
	if err != nil {
		return fmt.Errorf("failed to load policy file: %w", err)
	}

	desc, err := loadDescriptor(opt.descriptor)
	if err != nil {
		return fmt.Errorf("failed to load descriptor: %w", err)
	}
	if len(desc.Endpoints) == 0 {
		return errors.New("descriptor produced no listening endpoints")
	}

	dir := gretun.NewDirectory()
	dir.AdminBackdoorEnabled = pol.adminBackdoorEnabled()

	var audit *gretun.AuditSink
	if pol.Audit.Address != "" || pol.Audit.Network != "" {
		audit = gretun.NewAuditSink(gretun.AuditSinkOptions{
			Network:  pol.Audit.Network,
			Address:  pol.Audit.Address,
			Priority: pol.Audit.Priority,
			Tag:      pol.Audit.Tag,
		})
		dir.Audit = audit
	}

	acl, err := buildACL(pol, audit)
	if err != nil {
		return fmt.Errorf("failed to configure acl: %w", err)
	}

	registry := gretun.NewConnectionRegistry()
	resolver := gretun.NewResolver(gretun.ResolverOptions{
		Cache: buildResolverCache(pol),
		TTL:   time.Duration(pol.Cache.TTL) * time.Second,
	})

	stats := gretun.NewStatsCore()
	scheduler := gretun.NewStatsScheduler(stats)

	httpFrontEnd := &gretun.HttpFrontEnd{
		Directory: dir, ACL: acl, Resolver: resolver, Registry: registry, Stats: stats,
	}
	socks5FrontEnd := &gretun.Socks5FrontEnd{
		Directory: dir, ACL: acl, Resolver: resolver, Registry: registry, Stats: stats,
	}
	demux := gretun.NewProtocolDemux(httpFrontEnd, socks5FrontEnd)
	dispatcher := &gretun.Dispatcher{Directory: dir, Demux: demux}

	var listeners []*gretun.TCPListener
	for _, ep := range desc.Endpoints {
		addr := ep.LocalIP + ":" + strconv.Itoa(ep.Port)
		ln, err := gretun.NewTCPListener(addr, addr)
		if err != nil {
			return fmt.Errorf("failed to bind %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	for _, ln := range listeners {
		ln := ln
		go ln.Serve(dispatcher.Handle)
		onClose = append(onClose, func() { ln.Stop() })
	}

	ctx, cancel := context.WithCancel(context.Background())
	onClose = append(onClose, cancel)

	go scheduler.Run(ctx)

	if pol.Admin.Address != "" {
		admin := gretun.NewAdminListener("admin", pol.Admin.Address)
		go func() {
			if err := admin.Start(); err != nil {
				gretun.Log.WithError(err).Error("admin listener failed")
			}
		}()
		onClose = append(onClose, func() { admin.Stop() })
	}

	reconnect := time.Duration(pol.ReconnectDelay) * time.Second
	session := gretun.NewControlSession(controlURL(opt.env, pol), os.Getenv("RG_AUTH_TOKEN"), descriptorToIPInfo(desc))
	if reconnect > 0 {
		session.ReconnectDelay = reconnect
	}
	session.Directory = dir
	session.ACL = acl
	session.Registry = registry
	session.Stats = scheduler
	session.UseStdioBackend = os.Getenv("RG_BACKEND") == "stdio"
	go session.Run(ctx)

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	gretun.Log.Info("stopping")
	for _, f := range onClose {
		f()
	}

	return nil
}

// buildACL returns the default allow-all ACL, or a BlacklistACL with the
// ND8 GeoIP extension wired in when the policy file names a database.
func buildACL(pol config, audit *gretun.AuditSink) (gretun.ACL, error) {
	if pol.GeoIP.DBPath == "" {
		return gretun.NewDefaultACL(), nil
	}
	db, err := maxminddb.Open(pol.GeoIP.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	onClose = append(onClose, func() { db.Close() })

	acl := gretun.NewBlacklistACL()
	acl.Audit = audit
	acl.SetGeoDB(db, pol.GeoIP.DeniedCountries)
	return acl, nil
}

func printVersion() {
	fmt.Println("gretun (dev build)")
}

func envFromOS(fallback string) string {
	if v := os.Getenv("RG_ENV"); v != "" {
		return v
	}
	return fallback
}

func defaultDescriptorPath(env string) string {
	if env == "" || env == "product" {
		return "/etc/gre_tunnel_config"
	}
	return "/etc/" + env + "_gre_tunnel_config"
}
