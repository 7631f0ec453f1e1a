package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/calendar"
	"calsync/internal/capture"
	"calsync/internal/config"
	"calsync/internal/feed"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/resource"
	"calsync/internal/session"
	"calsync/internal/web"
)

type flagConfig struct {
	configPath  string
	listen      string
	logLevel    string
	once        bool
	capturePath string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("calsync starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"sources", len(conf.Sources),
		"resources", len(conf.Resources),
		"once", flags.once,
		"capture", flags.capturePath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cancel, conf, flags); err != nil {
		appLog.Error("calsync failed", err)
		os.Exit(1)
	}
	appLog.Info("calsync exiting")
}

func run(ctx context.Context, cancel context.CancelFunc, conf *config.Config, flags flagConfig) error {
	catalog, err := buildCatalog(conf.Resources)
	if err != nil {
		return err
	}
	sess := session.New(calendar.WithResources(catalog))

	sources := make([]ics.Source, 0, len(conf.Sources))
	for _, s := range conf.Sources {
		sources = append(sources, ics.Source{ID: s.ID, Name: s.Name, URL: s.URL, Color: s.Color})
	}
	refresher := feed.NewRefresher(sess, ics.NewFetcher(conf.CacheDir, nil), sources, conf.Location(), conf.HorizonDays)

	if flags.once {
		return runOnce(ctx, sess, refresher)
	}

	opts := []web.Option{web.WithResources(catalog)}
	if len(sources) > 0 {
		opts = append(opts, web.WithRefresher(refresher))
	}
	srv := web.NewServer(conf, sess, opts...)

	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", conf.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if _, err := refresher.Refresh(ctx); err != nil {
		appLog.Warn("initial refresh incomplete", "reason", err)
	}

	if flags.capturePath != "" {
		err := captureWidget(ctx, conf, ln.Addr(), flags.capturePath)
		cancel()
		shutdown(httpSrv)
		return err
	}

	sched := cron.New(cron.WithLocation(conf.Location()))
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if _, err := refresher.Refresh(ctx); err != nil {
			appLog.Warn("scheduled refresh incomplete", "reason", err)
		}
	}); err != nil {
		shutdown(httpSrv)
		return fmt.Errorf("refresh schedule %q: %w", conf.RefreshCron, err)
	}
	sched.Start()
	defer sched.Stop()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdown(httpSrv)
	return nil
}

// runOnce refreshes every feed and prints the attach snapshot as one JSON
// command per line.
func runOnce(ctx context.Context, sess *session.Session, refresher *feed.Refresher) error {
	if _, err := refresher.Refresh(ctx); err != nil {
		appLog.Warn("refresh incomplete", "reason", err)
	}
	_, cmds, err := sess.Attach()
	enc := json.NewEncoder(os.Stdout)
	for _, c := range cmds {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return err
}

func captureWidget(ctx context.Context, conf *config.Config, addr net.Addr, out string) error {
	url, err := widgetURL(addr)
	if err != nil {
		return err
	}
	opts := capture.Options{
		URL:        url,
		OutputPath: out,
		Width:      conf.Capture.Width,
		Height:     conf.Capture.Height,
		Timeout:    time.Duration(conf.Capture.TimeoutSec) * time.Second,
	}
	if conf.BasicAuth != nil {
		opts.Username = conf.BasicAuth.Username
		opts.Password = conf.BasicAuth.Password
	}
	if err := capture.WidgetPNG(ctx, opts); err != nil {
		return err
	}
	appLog.Info("widget captured", "path", out)
	return nil
}

// widgetURL turns the bound address into something a local browser can
// reach; wildcard hosts become loopback.
func widgetURL(addr net.Addr) (string, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/", nil
}

func buildCatalog(cfg []config.ResourceConfig) (*resource.Catalog, error) {
	rs := make([]resource.Resource, 0, len(cfg))
	for _, r := range cfg {
		rs = append(rs, resource.Resource{ID: r.ID, Title: r.Title, ParentID: r.Parent})
	}
	c, err := resource.NewCatalog(rs)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	return c, nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh feeds once, print the attach commands as JSON lines and exit")
	flag.StringVar(&cfg.capturePath, "capture", "", "Serve, refresh once, write a PNG of the widget to this path and exit")

	flag.Parse()

	return cfg
}
