// Copyright (c) 2020-2022 Jingcheng Zhang <diogin@gmail.com>.
// Copyright (c) 2022-2023 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// h2load is the QUIC/HTTP-3 load generator entrypoint.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexinfra/shrpx/h2load"
	"github.com/hexinfra/shrpx/internal/gwlog"
	"github.com/hexinfra/shrpx/internal/worker"
)

const usage = `
h2load (%s)
================================================================================

  h2load [OPTIONS] -addr <host:port>

OPTIONS
-------

  -clients <n>       # number of concurrent QUIC clients (default: 1)
  -alpn <token>      # ALPN token to negotiate (default: h3)
  -window-bits <n>   # stream flow-control window, log2 (default: 26)
  -conn-window-bits <n> # connection flow-control window, log2 (default: 26)
  -qlog <base>       # qlog path base, .<worker_id>.<client_id>.sqlog appended

`

func main() {
	addr := flag.String("addr", "", "target address (host:port)")
	clients := flag.Int("clients", 1, "number of concurrent QUIC clients")
	alpn := flag.String("alpn", h2load.ALPNH3, "ALPN token to negotiate")
	windowBits := flag.Int("window-bits", 26, "stream flow-control window, log2")
	connWindowBits := flag.Int("conn-window-bits", 26, "connection flow-control window, log2")
	qlogTemplate := flag.String("qlog", "", "qlog path template")
	flag.Parse()

	log := gwlog.New("zap", &gwlog.Config{Target: "stderr", Level: "info"})

	if *addr == "" {
		log.Errorf("h2load: -addr is required")
		os.Exit(1)
	}

	id, err := worker.NewID()
	if err != nil {
		log.Errorf("h2load: generating worker id: %v", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quicConfig := h2load.BuildTransportParams(*windowBits, *connWindowBits)
	tlsConfig := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{*alpn}}

	for i := 0; i < *clients; i++ {
		client := h2load.NewQuicClient(id, uint64(i), tlsConfig, quicConfig, log)
		if *qlogTemplate != "" {
			client.SetQLogPathFormat(*qlogTemplate)
		}
		if err := client.Dial(ctx, *addr, []string{*alpn}); err != nil {
			log.Warnf("h2load: client %d dial failed: %v", i, err)
			continue
		}
		defer client.CloseConnection("done")
	}

	<-ctx.Done()
	log.Infof("h2load: shutting down after %s", time.Since(startedAt))
}
