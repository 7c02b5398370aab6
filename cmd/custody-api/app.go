package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/CustodyBox/internal/api/scans_api"
	"github.com/BearBump/CustodyBox/internal/auth"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type custodyAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	onListen func(grpcAddr, httpAddr string)
}

func runCustodyAPI(ctx context.Context, opts custodyAPIOpts, h http.Handler, api scans_api.ScanServiceServer, authn *auth.Authenticator) error {
	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}
	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runGRPCServer(gctx, grpcLis, api, authn) })
	g.Go(func() error { return runHTTPServer(gctx, httpLis, h) })
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func runGRPCServer(ctx context.Context, lis net.Listener, api scans_api.ScanServiceServer, authn *auth.Authenticator) error {
	s := grpc.NewServer(grpc.UnaryInterceptor(authn.UnaryInterceptor))
	scans_api.Register(s, api)

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
