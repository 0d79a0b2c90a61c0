// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pgasinfo boots a loopback PGAS job in-process and prints
// each rank's segment and heap layout, for inspecting the shared-heap
// sizing and device-heap bootstrap without writing a test.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pgasgo/pgas/internal/backend/loopback"
	"github.com/pgasgo/pgas/pgas"
)

func main() {
	var (
		ranks          = pflag.IntP("ranks", "r", 4, "number of simulated ranks")
		hostHeapSize   = pflag.Int64P("host-heap-size", "s", 1<<20, "bytes per rank in the host shared segment")
		devices        = pflag.IntP("devices", "d", 0, "simulated devices per rank")
		deviceHeapSize = pflag.Int64("device-heap-size", 1<<20, "bytes per simulated device arena")
		nativeRDMA     = pflag.Bool("native-rdma", false, "report SupportsNativeRDMA on the simulated device backend")
	)
	pflag.Parse()

	if err := os.Setenv("PGAS_SHARED_HEAP_SIZE", fmt.Sprintf("%d", *hostHeapSize)); err != nil {
		fmt.Fprintln(os.Stderr, "pgasinfo:", err)
		os.Exit(1)
	}

	net := loopback.NewNetwork(*ranks, int(*hostHeapSize))
	runtimes := make([]*pgas.Runtime, *ranks)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *ranks; i++ {
		i := i
		g.Go(func() error {
			var dev *loopback.Device
			if *devices > 0 {
				dev = loopback.NewDevice(*devices, uintptr(*deviceHeapSize), *nativeRDMA)
			}
			r, err := pgas.Init(ctx, net.Transport(int32(i)), dev)
			if err != nil {
				return fmt.Errorf("rank %d: %w", i, err)
			}
			runtimes[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "pgasinfo:", err)
		os.Exit(1)
	}

	fmt.Printf("%-6s %-10s %-10s %-10s %-8s\n", "rank", "heap-cap", "heap-used", "devices", "rdma")
	for i, r := range runtimes {
		fmt.Printf("%-6d %-10d %-10d %-10d %-8t\n", i, r.HostHeapCapacity(), r.HostHeapUsed(), r.NumDeviceSegments(), *nativeRDMA)
	}

	for _, r := range runtimes {
		r.Finalize()
	}
}
