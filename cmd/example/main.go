// Command example hosts a minimal corehttp server: a Responder that
// echoes the request method and target, and handles SIGINT/SIGTERM by
// draining in-flight requests before exiting. There is no configuration
// file or flag surface; the listen address is fixed at 127.0.0.1:8080.
// Embedding code is expected to build a ServerConfig directly, the way
// this does.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hexbase/corehttp/corehttp"
)

func main() {
	logger := corehttp.NewLogger(os.Stderr, slog.LevelInfo)

	cfg := corehttp.ServerConfig{
		Address:                  corehttp.TCPAddress("127.0.0.1", 8080),
		ServerName:               "corehttp-example",
		HTTPErrorHandling:        true,
		OutboundHeaderValidation: true,
		ReuseAddress:             true,
		TCPNoDelay:               true,
	}

	server, err := corehttp.NewServer(cfg, logger)
	if err != nil {
		logger.Errorf("building server: %v", err)
		os.Exit(1)
	}

	responder := corehttp.ResponderFunc(func(ctx context.Context, req *corehttp.HTTPRequest) (*corehttp.HTTPResponse, error) {
		body := fmt.Sprintf("%s %s\n", req.Head.Method, req.Head.Target)
		return corehttp.NewBufferedResponse(200, []byte(body)), nil
	})

	if err := server.Start(responder); err != nil {
		logger.Errorf("starting server: %v", err)
		os.Exit(1)
	}
	logger.Infof("listening on port %d", server.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	if err := server.Stop(); err != nil {
		logger.Errorf("stop: %v", err)
	}
	if err := server.Wait(); err != nil {
		logger.Errorf("wait: %v", err)
	}
}
