package cluster

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/health"
)

// Health colours.
const (
	StatusGreen  = "green"
	StatusYellow = "yellow"
	StatusRed    = "red"
)

type IndexHealth struct {
	Status              string         `json:"status"`
	NumberOfShards      int            `json:"number_of_shards"`
	NumberOfReplicas    int            `json:"number_of_replicas"`
	ActivePrimaryShards int            `json:"active_primary_shards"`
	ActiveShards        int            `json:"active_shards"`
	UnassignedShards    int            `json:"unassigned_shards"`
	Shards              []shard.Health `json:"shards"`
}

type ClusterHealth struct {
	ClusterName         string                 `json:"cluster_name"`
	Status              string                 `json:"status"`
	TimedOut            bool                   `json:"timed_out"`
	NumberOfNodes       int                    `json:"number_of_nodes"`
	NumberOfDataNodes   int                    `json:"number_of_data_nodes"`
	ActivePrimaryShards int                    `json:"active_primary_shards"`
	ActiveShards        int                    `json:"active_shards"`
	UnassignedShards    int                    `json:"unassigned_shards"`
	Indices             map[string]IndexHealth `json:"indices"`
}

// Health reports red when any primary is down, yellow when a configured
// replica is missing or inactive, green otherwise.
func (n *Node) Health() ClusterHealth {
	out := ClusterHealth{
		ClusterName:       n.cfg.Cluster.NodeID,
		Status:            StatusGreen,
		NumberOfNodes:     1,
		NumberOfDataNodes: 1,
		Indices:           make(map[string]IndexHealth),
	}
	for _, idx := range n.Indices() {
		ih := IndexHealth{
			Status:           StatusGreen,
			NumberOfShards:   idx.meta.Shards,
			NumberOfReplicas: idx.meta.Replicas,
		}
		for _, g := range idx.router.Groups() {
			h := g.Health()
			ih.Shards = append(ih.Shards, h)
			if h.PrimaryActive {
				ih.ActivePrimaryShards++
				ih.ActiveShards++
			} else {
				ih.UnassignedShards++
				ih.Status = StatusRed
			}
			ih.ActiveShards += h.ActiveReplicas
			if missing := idx.meta.Replicas - h.ActiveReplicas; missing > 0 {
				ih.UnassignedShards += missing
				if ih.Status == StatusGreen {
					ih.Status = StatusYellow
				}
			}
		}
		out.ActivePrimaryShards += ih.ActivePrimaryShards
		out.ActiveShards += ih.ActiveShards
		out.UnassignedShards += ih.UnassignedShards
		out.Status = worse(out.Status, ih.Status)
		out.Indices[idx.Name()] = ih
	}
	return out
}

func worse(a, b string) string {
	rank := map[string]int{StatusGreen: 0, StatusYellow: 1, StatusRed: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HealthCheck adapts cluster health to the readiness checker: red is down
// and yellow is degraded.
func (n *Node) HealthCheck() health.Check {
	return func(context.Context) health.ComponentHealth {
		h := n.Health()
		switch h.Status {
		case StatusRed:
			return health.ComponentHealth{Status: health.StatusDown, Message: fmt.Sprintf("cluster is red, %d shards unassigned", h.UnassignedShards)}
		case StatusYellow:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("cluster is yellow, %d replica shards unassigned", h.UnassignedShards)}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}
