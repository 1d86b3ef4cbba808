/*
 * Copyright (c) 2019-2022, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package topology models the interconnect between discovered devices as a
// directed weighted graph and answers reachability/bandwidth/latency queries
// over it in time proportional to the graph size.
package topology

import "sort"

// LinkMetrics describes one directed edge between two devices.
type LinkMetrics struct {
	LatencyMs              float64
	BandwidthMBps          float64
	PeerAccessSupported    bool
	PeerAccessBandwidthMBps float64 // 0 if PeerAccessSupported is false
}

// Unreachable reports whether the edge carries no usable bandwidth.
func (m LinkMetrics) Unreachable() bool { return m.BandwidthMBps <= 0 }

// Graph is a directed weighted graph over device ids. Edges are asymmetric:
// bandwidth(a, b) need not equal bandwidth(b, a). Same-node device pairs use
// the edge to encode the intra-node fabric (PCIe/NVLink/unified memory).
type Graph struct {
	adj map[string]map[string]LinkMetrics
}

// NewGraph constructs an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[string]map[string]LinkMetrics)}
}

// AddNode ensures device is present even with no edges yet, so it appears
// in node enumeration and ReachableSet trivially reaches itself.
func (g *Graph) AddNode(device string) {
	if _, ok := g.adj[device]; !ok {
		g.adj[device] = make(map[string]LinkMetrics)
	}
}

// SetEdge records the directed link from -> to, overwriting any prior
// measurement for that ordered pair. This is the apply path for a
// LinkMetricsMeasured event.
func (g *Graph) SetEdge(from, to string, m LinkMetrics) {
	g.AddNode(from)
	g.AddNode(to)
	g.adj[from][to] = m
}

// Edge returns the metrics for the directed edge from -> to, if measured.
func (g *Graph) Edge(from, to string) (LinkMetrics, bool) {
	row, ok := g.adj[from]
	if !ok {
		return LinkMetrics{}, false
	}
	m, ok := row[to]
	return m, ok
}

// Bandwidth returns the measured bandwidth from -> to in MB/s, or 0 if the
// edge has never been measured (treated the same as "unreachable").
func (g *Graph) Bandwidth(from, to string) float64 {
	m, ok := g.Edge(from, to)
	if !ok {
		return 0
	}
	return m.BandwidthMBps
}

// Latency returns the measured latency from -> to in milliseconds, or +Inf
// if unmeasured.
func (g *Graph) Latency(from, to string) float64 {
	m, ok := g.Edge(from, to)
	if !ok {
		return posInf
	}
	return m.LatencyMs
}

// ExpectedTransferTime estimates the wall-clock time in milliseconds to
// move size bytes from -> to: queueing latency plus size / bandwidth.
// Returns +Inf for an unmeasured or zero-bandwidth edge.
func (g *Graph) ExpectedTransferTime(from, to string, sizeBytes uint64) float64 {
	m, ok := g.Edge(from, to)
	if !ok || m.Unreachable() {
		return posInf
	}
	mb := float64(sizeBytes) / (1 << 20)
	return m.LatencyMs + (mb/m.BandwidthMBps)*1000
}

// ReachableSet returns every device reachable from start via one or more
// directed edges with positive bandwidth, including start itself. BFS is
// O(V+E).
func (g *Graph) ReachableSet(start string) []string {
	if _, ok := g.adj[start]; !ok {
		return nil
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next, m := range g.adj[cur] {
			if m.Unreachable() || visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edge identifies a directed edge plus its metrics, used by BottleneckEdges.
type Edge struct {
	From, To string
	Metrics  LinkMetrics
}

// BottleneckEdges returns every measured edge whose bandwidth is below
// thresholdMBps, sorted by ascending bandwidth then (from, to) for
// deterministic output. A single O(V+E) pass.
func (g *Graph) BottleneckEdges(thresholdMBps float64) []Edge {
	var out []Edge
	for from, row := range g.adj {
		for to, m := range row {
			if m.BandwidthMBps < thresholdMBps {
				out = append(out, Edge{From: from, To: to, Metrics: m})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metrics.BandwidthMBps != out[j].Metrics.BandwidthMBps {
			return out[i].Metrics.BandwidthMBps < out[j].Metrics.BandwidthMBps
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Nodes returns every device id known to the graph, sorted.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.adj))
	for id := range g.adj {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy, used when the graph is embedded in an
// immutable snapshot that must not alias the live mutable graph.
func (g *Graph) Clone() *Graph {
	out := NewGraph()
	for from, row := range g.adj {
		out.AddNode(from)
		for to, m := range row {
			out.adj[from][to] = m
		}
	}
	return out
}

var posInf = func() float64 {
	var zero float64
	return 1 / zero
}()
