// Copyright © 2024 Quillstor, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/quillstor/quillstor/pkg/bdev"
	"github.com/quillstor/quillstor/pkg/reactor"
)

type CLI struct {
	LogLevel    string   `help:"Set the logging level (debug|info|warn|error)" default:"info"`
	Cores       int      `help:"Number of I/O cores (0 = all)" default:"0"`
	MetricsAddr string   `help:"Prometheus metrics listen address" default:":9402"`
	Devices     []string `arg:"" optional:"" name:"uri" help:"Device URIs to attach at startup (e.g. malloc:///disk0?size=64MiB)"`
}

func main() {
	logAtomic := zap.NewAtomicLevel()
	logCfg := zap.NewProductionConfig()
	logCfg.Level = logAtomic
	logCfg.Encoding = "console"
	logCfg.DisableStacktrace = true
	logger, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	undo := zap.ReplaceGlobals(logger)
	defer undo()

	maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("quillstor"),
		kong.Description("A core-affine block storage daemon"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	ll, err := logLevel(cli.LogLevel)
	kctx.FatalIfErrorf(err)
	logAtomic.SetLevel(ll)

	kctx.FatalIfErrorf(run(&cli, logger))
}

// logLevel parses the --log-level flag. An unrecognized level is an error,
// not a silent fall-through to the zero (debug) level.
func logLevel(s string) (zapcore.Level, error) {
	var ll zapcore.Level
	if err := ll.Set(s); err != nil {
		return ll, errors.Wrapf(err, "invalid log level %q", s)
	}
	return ll, nil
}

func run(cli *CLI, logger *zap.Logger) error {
	cores := cli.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	reactors, err := reactor.Start(cores)
	if err != nil {
		return err
	}
	defer reactor.StopAll()
	logger.Sugar().Infof("started %d cores (management core %d)", cores, reactors[0].ID())

	var attached []string
	if err := reactor.BlockOn(reactors[0], func(ctx context.Context) error {
		for _, uri := range cli.Devices {
			name, err := bdev.Attach(ctx, uri)
			if err != nil {
				return err
			}
			attached = append(attached, name)
		}
		return nil
	}); err != nil {
		detachAll(logger, attached)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: cli.MetricsAddr, Handler: promhttp.Handler()}
	g.Go(func() error {
		logger.Sugar().Infof("serving metrics on %s", cli.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	err = g.Wait()
	detachAll(logger, attached)
	return err
}

// detachAll tears devices down in reverse attach order.
func detachAll(logger *zap.Logger, attached []string) {
	for i := len(attached) - 1; i >= 0; i-- {
		if err := bdev.Detach(context.Background(), attached[i]); err != nil {
			logger.Sugar().Warnf("detach %s: %v", attached[i], err)
		}
	}
}
