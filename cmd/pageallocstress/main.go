// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// pageallocstress exercises the page allocator from concurrent workers
// and exposes its arena state, plus the process RSS, as prometheus
// metrics — trim effectiveness is directly visible in the RSS gauge.
package main

import (
	"math/rand"
	"net/http"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	"github.com/prometheus/procfs"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/chys87/pagealloc"
)

var (
	listenAddress = kingpin.Flag("web.listen-address",
		"Address on which to expose metrics.").Default(":9777").String()
	metricsPath = kingpin.Flag("web.telemetry-path",
		"Path under which to expose metrics.").Default("/metrics").String()
	workers = kingpin.Flag("stress.workers",
		"Concurrent allocation workers.").Default("4").Int()
	maxAlloc = kingpin.Flag("stress.max-alloc-bytes",
		"Upper bound for one allocation.").Default("4194304").Int()
	liveSlots = kingpin.Flag("stress.live-slots",
		"Live allocations each worker cycles through.").Default("64").Int()
	trimInterval = kingpin.Flag("stress.trim-interval",
		"How often to trim idle memory back to the kernel.").Default("5s").Duration()
	trimPad = kingpin.Flag("stress.trim-pad-bytes",
		"Threshold passed to each trim.").Default("8388608").Uint64()
)

type rssCollector struct {
	proc procfs.Proc
	rss  *prometheus.Desc
}

func newRSSCollector() (*rssCollector, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open /proc/self")
	}
	return &rssCollector{
		proc: proc,
		rss: prometheus.NewDesc("pageallocstress_resident_memory_bytes",
			"Resident set size of the stress process.", nil, nil),
	}, nil
}

func (c *rssCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.rss }

func (c *rssCollector) Collect(ch chan<- prometheus.Metric) {
	stat, err := c.proc.NewStat()
	if err != nil {
		log.Warnf("couldn't read process stat: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue,
		float64(stat.ResidentMemory()))
}

func worker(id int) {
	rnd := rand.New(rand.NewSource(int64(id)))
	live := make([]unsafe.Pointer, *liveSlots)
	sizes := make([]uintptr, *liveSlots)
	for {
		slot := rnd.Intn(len(live))
		if live[slot] != nil {
			if rnd.Intn(2) == 0 {
				pagealloc.FreeLarge(live[slot])
			} else {
				pagealloc.FreeLargeSized(live[slot], sizes[slot])
			}
			live[slot] = nil
			continue
		}
		n := uintptr(1 + rnd.Intn(*maxAlloc))
		p := pagealloc.AllocLarge(n, rnd.Intn(4) == 0)
		if p == nil {
			log.Warnf("worker %d: allocation of %d bytes failed", id, n)
			continue
		}
		live[slot] = p
		sizes[slot] = n
	}
}

func trimmer() {
	for range time.Tick(*trimInterval) {
		pagealloc.LargeTrim(uintptr(*trimPad))
	}
}

func main() {
	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print("pageallocstress"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	log.Infoln("Starting pageallocstress", version.Info())

	prometheus.MustRegister(version.NewCollector("pageallocstress"))
	prometheus.MustRegister(prommod.NewCollector("pageallocstress"))
	prometheus.MustRegister(pagealloc.NewCollector())

	rss, err := newRSSCollector()
	if err != nil {
		log.Fatal(err)
	}
	prometheus.MustRegister(rss)

	for i := 0; i < *workers; i++ {
		go worker(i)
	}
	go trimmer()

	http.Handle(*metricsPath, promhttp.Handler())
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
			<head><title>Pagealloc Stress</title></head>
			<body>
			<h1>Pagealloc Stress</h1>
			<p><a href="` + *metricsPath + `">Metrics</a></p>
			</body>
			</html>`))
	})

	log.Infoln("Listening on", *listenAddress)
	err = http.ListenAndServe(*listenAddress, nil)
	log.Fatal(errors.Wrap(err, "serving metrics"))
}
