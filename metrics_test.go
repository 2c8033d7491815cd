// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	var nDescs int
	for range descs {
		nDescs++
	}
	if nDescs != 4 {
		t.Fatalf("Describe sent %d descs, want 4", nDescs)
	}

	metrics := make(chan prometheus.Metric, 64)
	c.Collect(metrics)
	close(metrics)
	var nMetrics int
	for range metrics {
		nMetrics++
	}
	// 6 series per arena.
	if want := 6 * arenaCount; nMetrics != want {
		t.Fatalf("Collect sent %d metrics, want %d", nMetrics, want)
	}
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
}
