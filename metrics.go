// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pagealloc"

// Collector exposes per-arena allocator state as prometheus metrics.
// Collecting takes each arena's lock briefly, the same as Stats.
type Collector struct {
	allocatedBytes *prometheus.Desc
	freeBytes      *prometheus.Desc
	reclaimBytes   *prometheus.Desc
	trimsTotal     *prometheus.Desc
}

// NewCollector returns a collector ready to register.
func NewCollector() *Collector {
	return &Collector{
		allocatedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "arena", "allocated_bytes"),
			"Bytes handed out by the arena and not yet reclaimed.",
			[]string{"arena"}, nil,
		),
		freeBytes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "arena", "free_bytes"),
			"Free bytes tracked by the arena, by page state.",
			[]string{"arena", "state"}, nil,
		),
		reclaimBytes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "arena", "reclaim_bytes"),
			"Bytes reclaimed into the arena since its last trim attempt.",
			[]string{"arena"}, nil,
		),
		trimsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "arena", "trims_total"),
			"Trim extractions performed by the arena.",
			[]string{"arena"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocatedBytes
	ch <- c.freeBytes
	ch <- c.reclaimBytes
	ch <- c.trimsTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range Stats() {
		ch <- prometheus.MustNewConstMetric(
			c.allocatedBytes, prometheus.GaugeValue,
			float64(s.TotalBytesAllocated), s.Name)
		ch <- prometheus.MustNewConstMetric(
			c.freeBytes, prometheus.GaugeValue,
			float64(s.FreeBytes), s.Name, "all")
		ch <- prometheus.MustNewConstMetric(
			c.freeBytes, prometheus.GaugeValue,
			float64(s.FreeCleanBytes), s.Name, "clean")
		ch <- prometheus.MustNewConstMetric(
			c.freeBytes, prometheus.GaugeValue,
			float64(s.FreeDirtyBytes), s.Name, "dirty")
		ch <- prometheus.MustNewConstMetric(
			c.reclaimBytes, prometheus.GaugeValue,
			float64(s.ReclaimCount), s.Name)
		ch <- prometheus.MustNewConstMetric(
			c.trimsTotal, prometheus.CounterValue,
			float64(s.Trims), s.Name)
	}
}
