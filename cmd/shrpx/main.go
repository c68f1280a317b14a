// Copyright (c) 2020-2022 Jingcheng Zhang <diogin@gmail.com>.
// Copyright (c) 2022-2023 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// shrpx is the reverse proxy / edge gateway entrypoint.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/hexinfra/shrpx/internal/certtree"
	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/gateway"
	"github.com/hexinfra/shrpx/internal/gwlog"
	"github.com/hexinfra/shrpx/internal/worker"
)

const usage = `
shrpx (%s)
================================================================================

  shrpx [OPTIONS]

OPTIONS
-------

  -config <path>    # path to config file (yaml/json/toml, viper-loaded)
  -workers <n>      # number of worker event loops (default: 1)
  -log-level <lvl>  # debug|info|warn|error (default: info)

`

func main() {
	configPath := flag.String("config", "", "path to config file")
	numWorkers := flag.Int("workers", 1, "number of worker event loops")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := gwlog.New("zap", &gwlog.Config{Target: "stderr", Level: *logLevel})
	gwlog.SetDefault(log)

	v := viper.New()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Errorf("shrpx: reading config %s: %v", *configPath, err)
			os.Exit(1)
		}
	}

	dcfg, err := config.LoadFromViper(v, 1)
	if err != nil {
		log.Errorf("shrpx: loading downstream config: %v", err)
		os.Exit(1)
	}
	snapshot := config.NewSnapshot(dcfg)

	tree := certtree.New()

	handler := gateway.New(snapshot, tree, log)

	var pools []*dconn.Pool
	for i := 0; i < *numWorkers; i++ {
		id, err := worker.NewID()
		if err != nil {
			log.Errorf("shrpx: generating worker id: %v", err)
			os.Exit(1)
		}
		pool := dconn.NewPool(32, 4096, 90*time.Second)
		pools = append(pools, pool)
		w := worker.New(id, snapshot, pool, log)
		handler.RegisterWorker(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go handler.Run(ctx)

	<-ctx.Done()
	log.Infof("shrpx: shutdown signal received, draining")
	handler.SetGracefulShutdown(true)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handler.WaitDrained(drainCtx, 500*time.Millisecond); err != nil {
		log.Warnf("shrpx: drain timed out: %v", err)
	}
	for _, pool := range pools {
		pool.CloseAll()
	}
	log.Infof("shrpx: exiting")
}
