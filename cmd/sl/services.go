package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"scopeline/internal/app"
	"scopeline/internal/server"
)

const listenFromConfig = "config"

// startServices runs the webhook dispatcher and, with --listen, the
// operator API next to the engine. stop shuts both down after a last
// webhook pass over the manifest.
func startServices(a *app.App) (stop func(), err error) {
	svcCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	d := server.NewWebhookDispatcher(app.ManifestPath(a.StateDir), a.Config.Webhooks, a.Engine.State().LastSeq, a.Logger.Named("webhooks"))
	if d != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(svcCtx)
		}()
	}
	var srv *http.Server
	defer func() {
		if err != nil {
			cancel()
			wg.Wait()
		}
	}()
	if addr := viper.GetString("listen"); addr != "" {
		if addr == listenFromConfig {
			addr = a.Config.Server.Addr
		}
		handler, err := server.New(server.Config{
			Engine:   a.Engine,
			Metrics:  a.Metrics,
			BasePath: a.Config.Server.BasePath,
			Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
			Logger:   a.Logger.Named("api"),
		})
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		srv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("operator API stopped", zap.Error(err))
			}
		}()
		a.Logger.Info("operator API listening", zap.String("addr", ln.Addr().String()), zap.String("docs", "/docs"))
	}
	return func() {
		if srv != nil {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(ctx)
			done()
		}
		cancel()
		wg.Wait()
	}, nil
}
