package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offcache/internal/offcache"
)

func main() {
	var configPath, sitemap string
	flag.StringVar(&configPath, "config", getenvDefault("OFFCACHE_CONFIG", "/offcache.yaml"), "path to offcache.yaml")
	flag.StringVar(&sitemap, "discover-manifest", "", "print a precache block built from this sitemap URL and exit")
	flag.Parse()

	if sitemap != "" {
		if err := discover(sitemap); err != nil {
			log.Fatalf("discover manifest: %v", err)
		}
		return
	}

	cfg, err := offcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := offcache.NewLogger(cfg.Logging, os.Stdout)

	svc, err := offcache.NewService(cfg, logger)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	go func() {
		logger.Info("listening", "addr", addr, "origin", cfg.Server.Origin, "scope", cfg.Server.Scope)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := svc.Close(); err != nil {
		logger.Error("close service", "error", err)
	}
}

func discover(sitemap string) error {
	u, err := url.Parse(sitemap)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("sitemap must be an absolute URL, got %q", sitemap)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	paths, err := offcache.DiscoverManifest(ctx, client, u.Scheme+"://"+u.Host, []string{sitemap})
	if err != nil {
		return err
	}
	return offcache.WriteManifestYAML(os.Stdout, paths)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
