// Command aegis runs the authentication-audit pipeline and the
// authorization resolver as a standalone sidecar with the HTTP facade
// enabled. Most deployments embed the packages directly instead; this
// entry point exists for out-of-process integrations and local
// development.
package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"aegis.evalgo.org/api"
	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
	"aegis.evalgo.org/common"
	"aegis.evalgo.org/config"
	"aegis.evalgo.org/geo"
	"aegis.evalgo.org/probe"
	"aegis.evalgo.org/queue"
	"aegis.evalgo.org/store"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	q, err := queue.OpenBolt(cfg.Queue.Path, cfg.Queue.MaxRecords)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to open durable audit queue")
	}
	defer q.Close()

	eventStore, directory, err := buildStore(cfg)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to connect to record store")
	}

	var procedure authz.Procedure
	if cfg.Store.ProcedureURL != "" {
		procedure = store.NewHTTPProcedure(cfg.Store.ProcedureURL, cfg.Store.Timeout)
	}

	monitor := audit.NewDialMonitor(connectivityTarget(cfg), cfg.Connectivity.Interval, cfg.Connectivity.Timeout)
	monitor.Start()
	defer monitor.Stop()

	pipeline := audit.NewPipeline(eventStore, q, monitor, probe.HostCollector{}, probe.NewSessionContext(), buildGeoResolver(cfg), audit.PipelineConfig{
		EnrichTimeout: cfg.Geo.Timeout,
	})
	lockout := audit.NewLockout(eventStore, monitor, cfg.Lockout.Window, cfg.Lockout.Threshold)
	resolver := authz.NewResolver(directory, procedure)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Server.Enabled {
		common.Logger.Info("HTTP facade disabled, running pipeline only")
		<-ctx.Done()
		return
	}

	server := api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, pipeline, lockout, resolver)

	common.Logger.WithField("port", cfg.Server.Port).Info("audit facade listening")
	if err := server.Start(ctx); err != nil {
		common.Logger.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
}

// buildStore selects the store implementation from configuration. Both
// drivers back the event store and the directory.
func buildStore(cfg *config.Config) (audit.EventStore, authz.Directory, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := store.NewPostgres(cfg.Store.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := store.NewCouchDB(store.CouchDBConfig{
			URL:             cfg.Store.URL,
			Database:        cfg.Store.Database,
			Username:        cfg.Store.Username,
			Password:        cfg.Store.Password,
			Timeout:         cfg.Store.Timeout,
			CreateIfMissing: cfg.Store.CreateIfMissing,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

// buildGeoResolver assembles the lookup chain: HTTP lookup when an
// endpoint is configured, optionally wrapped in a redis cache.
func buildGeoResolver(cfg *config.Config) geo.Resolver {
	if cfg.Geo.LookupURL == "" {
		return geo.Noop{}
	}

	var resolver geo.Resolver = geo.NewHTTPResolver(cfg.Geo.LookupURL, cfg.Geo.Timeout)
	if cfg.Geo.CacheURL != "" {
		cached, err := geo.NewCached(resolver, cfg.Geo.CacheURL, cfg.Geo.CacheTTL)
		if err != nil {
			common.Logger.WithError(err).Warn("geo cache unavailable, using direct lookups")
			return resolver
		}
		return cached
	}
	return resolver
}

// connectivityTarget picks the reachability probe target, defaulting to
// the record store's host.
func connectivityTarget(cfg *config.Config) string {
	if cfg.Connectivity.Target != "" {
		return cfg.Connectivity.Target
	}
	if u, err := url.Parse(cfg.Store.URL); err == nil && u.Host != "" {
		host := u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "https":
				host += ":443"
			default:
				host += ":80"
			}
		}
		return host
	}
	return "localhost:5984"
}
