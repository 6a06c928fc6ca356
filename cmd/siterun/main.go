// Command siterun runs a multi-tenant HTTP/HTTPS hosting runtime: one or
// more front-end proxies routing by Host header to a set of SiteApps, each
// with its own recipe-driven document store, caching content engine, and
// token service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
	"github.com/r3e-network/siterun/internal/proxy"
	"github.com/r3e-network/siterun/internal/siteapp"
)

func main() {
	configPath := flag.String("config", "", "Path to the siterun YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Listen address for the /metrics endpoint")
	scribeLevel := flag.Int("scribe-level", 1, "Log verbosity: 0=warn 1=info 2=debug")
	flag.Parse()

	if v := os.Getenv("SITERUN_CONFIG"); v != "" {
		*configPath = v
	}
	if v := os.Getenv("SITERUN_METRICS_ADDR"); v != "" {
		*metricsAddr = v
	}

	if *configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	logger := logging.New(os.Stdout)
	logger.SetScribeLevel(*scribeLevel)

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		log.Fatalf("siterun: %v", err)
	}
}

// run loads the config tree, builds every SiteApp and Proxy, and runs them
// all until an OS signal requests shutdown.
func run(configPath, metricsAddr string, logger *logging.Logger) error {
	tree, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	shared := siteapp.NewShared(tree.Shared, m)
	defer shared.CloseStores()

	sites := make([]*siteapp.Site, 0, len(tree.Sites))
	addrs := make([]proxy.SiteAddr, 0, len(tree.Sites))
	for _, sc := range tree.Sites {
		site, err := siteapp.Build(sc, shared, logger)
		if err != nil {
			return fmt.Errorf("build site %s: %w", sc.Name, err)
		}
		sites = append(sites, site)
		addrs = append(addrs, proxy.SiteAddr{Name: sc.Name, Host: sc.Host, Port: sc.Port, Aliases: sc.Aliases})
		logger.Info("site built", map[string]interface{}{"site": sc.Name, "host": sc.Host, "port": sc.Port})
	}

	proxies := make([]*proxy.Proxy, 0, len(tree.Proxies))
	for _, pc := range tree.Proxies {
		p, err := proxy.New(pc, addrs, m, logger)
		if err != nil {
			return fmt.Errorf("build proxy %s: %w", pc.Name, err)
		}
		proxies = append(proxies, p)
		logger.Info("proxy built", map[string]interface{}{"proxy": pc.Name, "sites": pc.Sites})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", map[string]interface{}{"err": err.Error()})
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sites)+len(proxies))

	for _, site := range sites {
		site := site
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := site.Start(ctx); err != nil {
				errCh <- fmt.Errorf("site %s: %w", site.Name, err)
			}
		}()
	}
	for _, p := range proxies {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("siterun started", map[string]interface{}{"sites": len(sites), "proxies": len(proxies)})

	wg.Wait()
	close(errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	var firstErr error
	for err := range errCh {
		logger.Error("component stopped with error", err, nil)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
