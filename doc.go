// Package locklease hosts the process-level pieces of the locklease client
// lock coordinator: the Config shared by the CLI and embedders, and the
// telemetry bootstrap that feeds the coordinator's OpenTelemetry metrics and
// spans to Prometheus and OTLP.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Coordinating locks
//
// The coordinator lives in the locks package. A Manager keeps one ClientLock
// per lock id and talks to a lock authority through a RemoteLockManager. When
// a single client is the only one interested in a lock, the authority may hand
// it a lease ("greedy" grant); from then on that client grants and releases
// the lock locally until the authority recalls the lease on behalf of another
// client.
//
//	mgr := locks.NewManager(remote, locks.WithLogger(logger))
//	go mgr.Run(ctx) // collects idle locks
//	if err := mgr.Lock(ctx, "orders/42", thread, locks.LevelWrite); err != nil {
//	    return err
//	}
//	defer mgr.Unlock("orders/42", thread, locks.LevelWrite)
//
// The remote must route authority events (awards, refusals, recalls and
// notifications) back into the Manager, which implements locks.Inbound.
//
// # Telemetry
//
// StartTelemetry installs global OpenTelemetry providers from a Config:
//
//	cfg := locklease.Config{MetricsListen: "127.0.0.1:9464"}
//	if err := cfg.Validate(); err != nil { log.Fatal(err) }
//	tel, err := locklease.StartTelemetry(ctx, cfg, logger)
//	if err != nil { log.Fatal(err) }
//	defer tel.Shutdown(context.Background())
//
// Metrics are served at /metrics on MetricsListen. OTLPEndpoint accepts
// host:port (gRPC, insecure), grpc://, grpcs://, http:// and https:// URLs.
// PprofListen exposes net/http/pprof under /debug/pprof/.
//
// # Command line
//
// cmd/locklease wraps the same configuration with cobra and viper. Every flag
// can be set through LOCKLEASE_* environment variables or a YAML config file,
// and `locklease bench` drives N loopback clients against an in-process
// authority to measure how often acquires stay local.
package locklease
