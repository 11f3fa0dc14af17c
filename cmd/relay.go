// Copyright 2021-2022 The streamrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/streamrelay/apis"
	"github.com/alwitt/streamrelay/common"
	"github.com/alwitt/streamrelay/relay"
	"github.com/alwitt/streamrelay/static"
	"github.com/alwitt/streamrelay/transport"
	"github.com/alwitt/streamrelay/upstream"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// relayComponents the assembled relay
type relayComponents struct {
	hub         *transport.Hub
	coordinator *relay.Coordinator
	router      *mux.Router
}

// defineRelayComponents assemble the relay and its HTTP routes
func defineRelayComponents(
	relayContext context.Context,
	config *common.SystemConfig,
	instance string,
	feed upstream.Feed,
	upstreamConn apis.UpstreamConnection,
	assets afero.Fs,
	registry *prometheus.Registry,
	wg *sync.WaitGroup,
) (*relayComponents, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	metrics := relay.MustNewMetrics(registry)

	hub, err := transport.GetHub(relayContext, transport.HubParams{
		SendBuffer:      config.Websocket.SendBuffer,
		PingInterval:    time.Second * time.Duration(config.Websocket.PingInterval),
		WriteTimeout:    time.Second * time.Duration(config.Websocket.WriteTimeout),
		MaxMessageBytes: config.Websocket.MaxMessageBytes,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket hub")
		return nil, err
	}

	coordinator, err := relay.GetCoordinator(relayContext, relay.CoordinatorParams{
		Instance:        instance,
		TrackingTerm:    config.Relay.TrackingTerm,
		EventLoopBuffer: config.Relay.EventLoopBuffer,
		OpenTimeout:     time.Second * time.Duration(config.Relay.OpenTimeout),
		Feed:            feed,
		Emitter:         hub,
		Metrics:         metrics,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay coordinator")
		return nil, err
	}
	hub.SetEventHandler(coordinator)

	assetServer, err := static.GetServer(static.ServerParams{
		FS:           assets,
		PublicDir:    config.Static.PublicDir,
		IndexFile:    config.Static.IndexFile,
		CacheEntries: config.Static.CacheEntries,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define static asset server")
		return nil, err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(coordinator, upstreamConn, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	// -------------------------------------------------------------------
	// Routes

	router := mux.NewRouter()
	router.Use(apis.AttachRequestID(config.HTTP.Logging.RequestIDHeader))

	router.Handle(config.Websocket.Path, hub).Methods("GET")

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/v1/status", apis.MethodHandlers{
		"get": httpHandler.GetStatusHandler(),
	})

	if config.Metrics.Enabled {
		router.Handle(
			config.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		).Methods("GET")
	}

	// Everything else is a static asset
	router.PathPrefix("/").Methods("GET", "HEAD").Handler(assetServer)

	// Add logging
	accessLog := apis.NewRequestLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return &relayComponents{hub: hub, coordinator: coordinator, router: router}, nil
}

// RunRelayServer run the relay server until the runtime context is cancelled
func RunRelayServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	feed upstream.Feed,
	upstreamConn apis.UpstreamConnection,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The relay outlives the runtime context long enough to notify its clients
	relayContext, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()

	components, err := defineRelayComponents(
		relayContext, config, instance, feed, upstreamConn, afero.NewOsFs(), registry, wg,
	)
	if err != nil {
		return err
	}
	if err := components.coordinator.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay coordinator")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(components.router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof(
		"Started relay on http://%s tracking '%s'", serverListen, config.Relay.TrackingTerm,
	)

	// ============================================================================

	<-runtimeContext.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Stop the relay first, so clients see the shutdown notice
	if err := components.coordinator.Stop(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during relay shutdown")
	}
	components.hub.Close()

	// Stop the HTTP server
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
	}

	return nil
}
