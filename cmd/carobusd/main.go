// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Command carobusd runs the hub: it binds the control socket, opens the
// operational stats store, and serves the read-only introspection API,
// shutting down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphql-go/handler"
	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/config"
	"github.com/caro-platform/caro-bus-go/pkg/hub"
	"github.com/caro-platform/caro-bus-go/pkg/introspect/query"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := hub.Config{
		SocketPath:      config.HubSocketPath(),
		ServiceFilesDir: config.ServiceFilesDir(),
		StatsDBPath:     config.HubStatsDBPath(),
		RateLimitPerSec: config.RateLimitPerSec(),
		RateLimitBurst:  config.RateLimitBurst(),
		DupeFilterTTLMs: int(config.DupeFilterTTL() / time.Millisecond),
	}

	h, err := hub.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("carobusd: failed to start hub")
	}

	introspectSrv := startIntrospection(h)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("carobusd: shutdown signal received")
		cancel()
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if introspectSrv != nil {
			if err := introspectSrv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("carobusd: introspection server shutdown error")
			}
		}

		if err := h.Close(); err != nil {
			log.WithError(err).Warn("carobusd: hub shutdown error")
		}
	}()

	log.WithField("socket", cfg.SocketPath).Info("carobusd: serving")

	if err := h.Serve(); err != nil {
		select {
		case <-ctx.Done():
			log.Info("carobusd: stopped")
		default:
			log.WithError(err).Fatal("carobusd: accept loop failed")
		}
	}
}

// startIntrospection mounts the read-only GraphQL query root over the
// hub's registry and serves it in the background. A bind failure here is
// logged but never fatal: introspection is an operator convenience, not
// load-bearing for the message plane (§4.7).
func startIntrospection(h *hub.Hub) *http.Server {
	schema, err := query.NewSchema(h.Registry())
	if err != nil {
		log.WithError(err).Error("carobusd: failed to build introspection schema")
		return nil
	}

	gqlHandler := handler.New(&handler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: true,
	})

	mux := http.NewServeMux()
	mux.Handle("/graphql", gqlHandler)

	srv := &http.Server{
		Addr:    config.IntrospectListenAddr(),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("carobusd: introspection server stopped unexpectedly")
		}
	}()

	log.WithField("addr", config.IntrospectListenAddr()).Info("carobusd: introspection API listening")

	return srv
}
