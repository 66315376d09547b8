// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command boltcli is a minimal reference driver built on
// internal/bolt/connection and internal/pool: it runs one Cypher
// statement against a Neo4j server and prints the rows. It speaks
// directly to the wire-level Connection rather than a session API,
// which is out of scope for this module (spec.md §1 Non-goals).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/nishisan-dev/neobolt/internal/bolt/connection"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
	"github.com/nishisan-dev/neobolt/internal/bolt/proto"
	"github.com/nishisan-dev/neobolt/internal/bolt/responsequeue"
	"github.com/nishisan-dev/neobolt/internal/config"
	"github.com/nishisan-dev/neobolt/internal/logging"
	"github.com/nishisan-dev/neobolt/internal/pki"
	"github.com/nishisan-dev/neobolt/internal/pool"
	"github.com/nishisan-dev/neobolt/internal/tracecapture"
	"log/slog"
)

// negotiatedVersion is hardcoded because the Bolt handshake (the
// 4-byte magic plus four proposed versions) is outside this module's
// scope — only the post-handshake protocol is implemented.
var negotiatedVersion = proto.Version{5, 0}

func main() {
	configPath := flag.String("config", "/etc/neobolt/driver.yaml", "path to driver config file")
	query := flag.String("query", "RETURN 1 AS n", "Cypher statement to run")
	username := flag.String("user", "neo4j", "basic auth username")
	password := flag.String("password", "", "basic auth password")
	flag.Parse()

	cfg, err := config.LoadDriverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	var trace *tracecapture.CaptureWriter
	if cfg.Trace.Enabled {
		mode := tracecapture.ModeGzip
		if cfg.Trace.Mode == "zstd" {
			mode = tracecapture.ModeZstd
		}
		trace, err = tracecapture.Open(cfg.Trace.Path, mode)
		if err != nil {
			logger.Error("failed to open trace capture", "error", err)
			os.Exit(1)
		}
		defer trace.Close()
	}

	auth := packstream.NewMap("scheme", "basic", "principal", *username, "credentials", *password)
	dialer := buildDialer(cfg, logger, trace, auth)

	p := pool.New(cfg.Pool, dialer, logger)
	p.Start()
	defer p.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.AcquireTimeout)
	defer cancel()

	conn, err := p.Acquire(ctx, cfg.Target.Address)
	if err != nil {
		logger.Error("acquire failed", "error", err)
		os.Exit(1)
	}
	defer p.Release(conn)

	if err := runQuery(ctx, conn, *query); err != nil {
		logger.Error("query failed", "error", err)
		os.Exit(1)
	}
}

// buildDialer returns a pool.Dialer that dials (optionally over TLS
// via internal/pki) and completes HELLO, handing the pool a
// fully-ready connection.Connection.
func buildDialer(cfg *config.DriverConfig, logger *slog.Logger, trace *tracecapture.CaptureWriter, auth *packstream.Map) pool.Dialer {
	return func(ctx context.Context, address string) (*connection.Connection, error) {
		rawConn, err := dialRaw(ctx, cfg, address)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", address, err)
		}

		conn, err := connection.New(connection.Options{
			Conn:         rawConn,
			Logger:       logger,
			Address:      address,
			Version:      negotiatedVersion,
			MaxChunkSize: cfg.Pool.MaxChunkSize,
			Trace:        trace,
		})
		if err != nil {
			rawConn.Close()
			return nil, err
		}

		hctx, cancel := context.WithTimeout(ctx, cfg.Pool.AcquireTimeout)
		defer cancel()
		if err := conn.Hello(hctx, cfg.Target.UserAgent, auth); err != nil {
			rawConn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func dialRaw(ctx context.Context, cfg *config.DriverConfig, address string) (net.Conn, error) {
	if !cfg.TLS.Enabled {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}

	tlsCfg, err := pki.NewBoltTLSConfig(cfg.TLS.ServerName, cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: tlsCfg}
	return dialer.DialContext(ctx, "tcp", address)
}

// runQuery drives one autocommit RUN+PULL and prints the rows.
func runQuery(ctx context.Context, conn *connection.Connection, query string) error {
	var fields []any
	var records [][]any

	if err := conn.Run(query, nil, proto.RunOptions{}, responsequeue.Handlers{
		OnSuccess: func(metadata map[string]any) { fields, _ = metadata["fields"].([]any) },
	}); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := conn.Pull(-1, -1, responsequeue.Handlers{
		OnRecords: func(recs [][]any) { records = append(records, recs...) },
	}); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if err := conn.SendAll(ctx); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := conn.FetchAll(ctx); err != nil {
		return fmt.Errorf("fetching response: %w", err)
	}

	fmt.Println(fields)
	for _, row := range records {
		fmt.Println(row)
	}
	return nil
}
