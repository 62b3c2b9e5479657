package raft

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "svcreg"

// PrometheusCollectors returns the collectors exposing the node's
// consensus state.
func (n *Node) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{&nodeCollector{node: n}}
}

// nodeCollector reads a consistent snapshot of the node state on each
// scrape.
type nodeCollector struct {
	node *Node

	termDesc    *prometheus.Desc
	stateDesc   *prometheus.Desc
	commitDesc  *prometheus.Desc
	appliedDesc *prometheus.Desc
	logDesc     *prometheus.Desc
}

func (c *nodeCollector) init() {
	labels := prometheus.Labels{"node_id": c.node.ID()}
	c.termDesc = prometheus.NewDesc(
		metricsNamespace+"_raft_current_term",
		"Current election term.", nil, labels)
	c.stateDesc = prometheus.NewDesc(
		metricsNamespace+"_raft_state",
		"Node role: 0 follower, 1 candidate, 2 leader.", nil, labels)
	c.commitDesc = prometheus.NewDesc(
		metricsNamespace+"_raft_commit_index",
		"Highest log index known committed.", nil, labels)
	c.appliedDesc = prometheus.NewDesc(
		metricsNamespace+"_raft_applied_index",
		"Highest log index applied to the state machine.", nil, labels)
	c.logDesc = prometheus.NewDesc(
		metricsNamespace+"_raft_log_entries",
		"Number of entries in the log.", nil, labels)
}

// Describe implements prometheus.Collector.
func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.termDesc == nil {
		c.init()
	}
	ch <- c.termDesc
	ch <- c.stateDesc
	ch <- c.commitDesc
	ch <- c.appliedDesc
	ch <- c.logDesc
}

// Collect implements prometheus.Collector.
func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.termDesc == nil {
		c.init()
	}

	n := c.node
	n.mu.Lock()
	term := n.term
	state := n.state
	commit := n.commitIndex
	applied := n.lastApplied
	logLen := len(n.log)
	n.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.termDesc, prometheus.GaugeValue, float64(term))
	ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(state))
	ch <- prometheus.MustNewConstMetric(c.commitDesc, prometheus.GaugeValue, float64(commit))
	ch <- prometheus.MustNewConstMetric(c.appliedDesc, prometheus.GaugeValue, float64(applied))
	ch <- prometheus.MustNewConstMetric(c.logDesc, prometheus.GaugeValue, float64(logLen))
}
