package models

// NodeRole distinguishes nodes whose loss is service affecting.
type NodeRole string

const (
	RoleCritical NodeRole = "critical"
	RoleStandard NodeRole = "standard"
)

// Node is a routing or compute element of the network.
type Node struct {
	ID           string   `json:"id"`
	Site         string   `json:"site"`
	Role         NodeRole `json:"role"`
	Tier         string   `json:"tier,omitempty"`
	CPUCapacity  float64  `json:"cpu_capacity"`
	MemCapacity  float64  `json:"mem_capacity"`
	CapacityMbps float64  `json:"capacity_mbps,omitempty"`
}

// Link is an undirected edge between two nodes.
type Link struct {
	ID            string  `json:"id"`
	Source        string  `json:"src"`
	Target        string  `json:"dst"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	LatencyMs     float64 `json:"latency_ms"`
	Critical      bool    `json:"critical,omitempty"`
}

// Other returns the endpoint opposite to nodeID, or "" when nodeID is not an endpoint.
func (l Link) Other(nodeID string) string {
	switch nodeID {
	case l.Source:
		return l.Target
	case l.Target:
		return l.Source
	}
	return ""
}

// Topology is the raw ingestion payload for a network graph.
type Topology struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Flow is a critical end-to-end path described as an ordered list of link ids.
type Flow struct {
	ID    string   `json:"id"`
	Links []string `json:"links"`
}
