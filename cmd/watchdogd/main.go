// Command watchdogd runs the standalone Raft-backed reference
// implementation of the cluster-membership service SPEC_FULL.md §4.11
// describes as an external collaborator: it is what internal/watchdog's
// HTTP client talks to in development and integration tests. It is
// never imported by cmd/pgpool2.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/watchdog/auth"
	"github.com/offsoc/pgpool2/internal/watchdog/devwatchd"
)

func main() {
	var (
		nodeID        string
		bindAddr      string
		advertiseAddr string
		httpAddr      string
		peersStr      string
		dataDir       string
		bootstrap     bool
		sharedSecret  string
	)

	flag.StringVar(&nodeID, "node-id", os.Getenv("WATCHDOGD_NODE_ID"), "unique raft server id for this node")
	flag.StringVar(&bindAddr, "raft-bind", "0.0.0.0:7000", "raft transport bind address")
	flag.StringVar(&advertiseAddr, "raft-advertise", "", "raft transport advertise address, defaults to raft-bind")
	flag.StringVar(&httpAddr, "http-addr", "0.0.0.0:8080", "HTTP API listen address")
	flag.StringVar(&peersStr, "peers", "", "comma-separated peer host:port list to join through")
	flag.StringVar(&dataDir, "data-dir", "/var/lib/watchdogd", "directory for raft log/stable/snapshot stores")
	flag.BoolVar(&bootstrap, "bootstrap", false, "bootstrap a new single-node cluster instead of joining")
	flag.StringVar(&sharedSecret, "shared-secret", os.Getenv("WATCHDOGD_SHARED_SECRET"), "HMAC shared secret for peer request signing")
	flag.Parse()

	if nodeID == "" {
		klog.Fatal("--node-id is required")
	}

	var peers []string
	if peersStr != "" {
		peers = strings.Split(peersStr, ",")
	}

	var authenticator *auth.Authenticator
	if sharedSecret != "" {
		authenticator = auth.New(sharedSecret)
	} else {
		klog.Warning("no shared secret configured, peer request signing disabled")
	}

	klog.InfoS("watchdogd: starting", "node_id", nodeID, "bind", bindAddr, "bootstrap", bootstrap, "peers", peers)

	node, err := devwatchd.New(devwatchd.Config{
		NodeID:        nodeID,
		BindAddr:      bindAddr,
		AdvertiseAddr: advertiseAddr,
		Peers:         peers,
		DataDir:       dataDir,
		Bootstrap:     bootstrap,
		Authenticator: authenticator,
	})
	if err != nil {
		klog.Fatalf("failed to start node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !bootstrap && len(peers) > 0 {
		go node.AutoJoin(ctx)
	}

	server := &http.Server{Addr: httpAddr, Handler: node.Mux()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "watchdogd: HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	klog.InfoS("watchdogd: received signal, shutting down", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "watchdogd: HTTP shutdown error")
	}
	if err := node.Shutdown(); err != nil {
		klog.ErrorS(err, "watchdogd: raft shutdown error")
	}

	klog.Info("watchdogd: shutdown complete")
}
