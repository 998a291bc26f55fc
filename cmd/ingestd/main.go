// Copyright 2024 Airloc, Inc
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

// Command ingestd runs the measurement ingestion pipeline: work queue in,
// delivery stream out, with a diagnostics listener for metrics and health.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airloc/airloc/lib/config"
	"github.com/airloc/airloc/lib/defaults"
	"github.com/airloc/airloc/lib/ingest"
)

const (
	exitOK = iota
	exitConfigError
	exitDependencyError
)

func main() {
	app := kingpin.New("ingestd", "WiFi measurement ingestion pipeline")
	configPath := app.Flag("config", "Path to the YAML configuration file").
		Short('c').Default("/etc/airloc/ingestd.yaml").String()
	diagAddr := app.Flag("diag-addr", "Diagnostics listen address, overrides diag.addr").String()
	debug := app.Flag("debug", "Enable debug logging").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(run(*configPath, *diagAddr))
}

func run(configPath, diagAddr string) int {
	logger := slog.With(defaults.ComponentKey, "ingestd")

	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		return exitConfigError
	}
	if diagAddr == "" {
		diagAddr = fc.Diag.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := buildPipeline(ctx, fc)
	if err != nil {
		if trace.IsBadParameter(err) {
			logger.Error("Invalid configuration", "error", err)
			return exitConfigError
		}
		logger.Error("Failed to reach required dependencies", "error", err)
		return exitDependencyError
	}

	if diagAddr != "" {
		go serveDiagnostics(ctx, logger, diagAddr, pipeline)
	}

	if err := pipeline.Run(ctx); err != nil {
		logger.Warn("Pipeline stopped uncleanly", "error", err)
	}
	return exitOK
}

func buildPipeline(ctx context.Context, fc *config.FileConfig) (*ingest.Pipeline, error) {
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.MaxIdleConns = defaults.HTTPMaxIdleConns
		tr.MaxIdleConnsPerHost = defaults.HTTPMaxIdleConnsPerHost
	})
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if fc.Queue.Region != "" {
		opts = append(opts, awsconfig.WithRegion(fc.Queue.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, trace.Wrap(err, "loading AWS configuration")
	}

	cfg := fc.PipelineConfig()
	sqsClient := sqs.NewFromConfig(awsCfg)
	cfg.Queue.Receiver = sqsClient
	cfg.Ack.Deleter = sqsClient
	cfg.Reader.Getter = s3.NewFromConfig(awsCfg)
	cfg.Sink.Putter = firehose.NewFromConfig(awsCfg)

	pipeline, err := ingest.NewPipeline(cfg)
	return pipeline, trace.Wrap(err)
}

func serveDiagnostics(ctx context.Context, logger *slog.Logger, addr string, pipeline *ingest.Pipeline) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", pipeline)
	mux.Handle("/readyz", pipeline)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Diagnostics listener starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Diagnostics listener failed", "error", err)
	}
}
