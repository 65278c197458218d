// Copyright 2025 The llm-d Authors.
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

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache"
)

// StatsSource is satisfied by *kvcache.CacheManager, narrowed so Collector
// can be exercised against a fake in tests.
type StatsSource interface {
	Stats() kvcache.StatsSnapshot
}

// Collector exposes a CacheManager's statistics surface as Prometheus
// gauges. Each gauge is a GaugeFunc reading straight from Stats(), so there
// is no separate counter state to keep synchronized with the manager.
type Collector struct {
	source StatsSource

	maxNumBlocks     prometheus.GaugeFunc
	freeNumBlocks    prometheus.GaugeFunc
	usedNumBlocks    prometheus.GaugeFunc
	toksPerBlock     prometheus.GaugeFunc
	allocTotalBlocks prometheus.GaugeFunc
	allocNewBlocks   prometheus.GaugeFunc
	reusedBlocks     prometheus.GaugeFunc
	activeRequests   prometheus.GaugeFunc
}

// NewCollector builds a Collector over source. Call Register to expose it
// through the controller-runtime metrics registry.
func NewCollector(source StatsSource) *Collector {
	c := &Collector{source: source}

	gauge := func(name, help string, read func(kvcache.StatsSnapshot) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kvcache",
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(source.Stats()) })
	}

	c.maxNumBlocks = gauge("max_num_blocks", "Total blocks across all tiers.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.MaxNumBlocks) })
	c.freeNumBlocks = gauge("free_num_blocks", "Blocks currently unreferenced.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.FreeNumBlocks) })
	c.usedNumBlocks = gauge("used_num_blocks", "Blocks currently referenced or cached.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.UsedNumBlocks) })
	c.toksPerBlock = gauge("toks_per_block", "Configured tokens per block.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.TokensPerBlock) })
	c.allocTotalBlocks = gauge("alloc_total_blocks", "Lifetime AllocateBlock calls, reused or fresh.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.AllocTotalBlocks) })
	c.allocNewBlocks = gauge("alloc_new_blocks", "Lifetime AllocateBlock calls that claimed a fresh block.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.AllocNewBlocks) })
	c.reusedBlocks = gauge("reused_blocks", "Lifetime AllocateBlock calls satisfied by prefix reuse.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.ReusedBlocks) })
	c.activeRequests = gauge("active_requests", "Requests currently tracked by the cache manager.",
		func(s kvcache.StatsSnapshot) float64 { return float64(s.ActiveRequests) })

	return c
}

// Collectors returns every gauge this Collector owns.
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.maxNumBlocks, c.freeNumBlocks, c.usedNumBlocks, c.toksPerBlock,
		c.allocTotalBlocks, c.allocNewBlocks, c.reusedBlocks, c.activeRequests,
	}
}

// Register registers every gauge with the controller-runtime metrics
// registry. Safe to call once per Collector; registering the same
// Collector twice panics, matching MustRegister's contract.
func (c *Collector) Register() {
	ctrlmetrics.Registry.MustRegister(c.Collectors()...)
}

// StartLogging spawns a goroutine that logs a snapshot of the statistics
// surface every interval, until ctx is cancelled.
func (c *Collector) StartLogging(ctx context.Context, interval time.Duration) {
	go func() {
		logger := klog.FromContext(ctx).WithName("metrics")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := c.source.Stats()
				logger.Info("pool stats beat",
					"maxNumBlocks", s.MaxNumBlocks,
					"freeNumBlocks", s.FreeNumBlocks,
					"usedNumBlocks", s.UsedNumBlocks,
					"toksPerBlock", s.TokensPerBlock,
					"allocTotalBlocks", s.AllocTotalBlocks,
					"allocNewBlocks", s.AllocNewBlocks,
					"reusedBlocks", s.ReusedBlocks,
					"activeRequests", s.ActiveRequests,
				)
			}
		}
	}()
}
