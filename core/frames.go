package core

// frames.go – wire frame shapes exchanged with session clients. Every frame
// is a UTF-8 JSON object with a required `type`; unknown types are rejected,
// never silently accepted.

import "time"

// Client -> server frame types.
const (
	FrameSendMessage      = "send_message"
	FrameSimulateScenario = "simulate_scenario"
	FrameGetNetworkStatus = "get_network_status"
	FrameForceSync        = "force_sync"
)

// Server -> client frame types.
const (
	FrameNetworkTopology = "network_topology"
	FrameNewMessage      = "new_message"
	FrameSystemEvent     = "system_event"
)

// ClientFrame is the decoded form of an inbound command frame.
type ClientFrame struct {
	Type        string   `json:"type"`
	SenderID    string   `json:"sender_id,omitempty"`
	Content     string   `json:"content,omitempty"`
	MessageType string   `json:"message_type,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
	Scenario    string   `json:"scenario,omitempty"`
}

// ServerFrame wraps every outbound frame.
type ServerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TopologyNode is one roster entry of a topology snapshot.
type TopologyNode struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Rank             string   `json:"rank"`
	Unit             string   `json:"unit"`
	Status           string   `json:"status"`
	Position         Position `json:"position"`
	LastSeen         string   `json:"last_seen"`
	MessageQueueSize int      `json:"message_queue_size"`
	LamportClock     uint64   `json:"lamport_clock"`
}

// TopologyConnection is one edge of a topology snapshot. Distance is only
// present on p2p edges.
type TopologyConnection struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     string   `json:"type"`
	Distance *float64 `json:"distance,omitempty"`
	Strength float64  `json:"strength"`
}

// TopologyData is the payload of a network_topology frame.
type TopologyData struct {
	ServerOnline bool                    `json:"server_online"`
	NetworkState NetworkState            `json:"network_state"`
	Nodes        map[string]TopologyNode `json:"nodes"`
	Connections  []TopologyConnection    `json:"connections"`
}

// NewMessageData is the payload of a new_message frame.
type NewMessageData struct {
	ID           string   `json:"id"`
	SenderID     string   `json:"sender_id"`
	SenderName   string   `json:"sender_name"`
	Content      string   `json:"content"`
	MessageType  string   `json:"message_type"`
	Timestamp    string   `json:"timestamp"`
	LamportClock uint64   `json:"lamport_clock"`
	RoutePath    []string `json:"route_path"`
}

// SystemEventData is the payload of a system_event frame.
type SystemEventData struct {
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Severity    string `json:"severity"`
}

// CentralServerID is the route path entry used for the centralized path.
const CentralServerID NodeID = "central_server"

// connectionStrength grades a p2p link by proximity: 100 at zero distance
// falling linearly to a floor of 20 at the edge of range.
func connectionStrength(distance, p2pRange float64) float64 {
	s := 100 - (distance/p2pRange)*80
	if s < 20 {
		return 20
	}
	return s
}

// BuildTopology assembles the current topology snapshot. Centralized mode
// reports one server edge per ONLINE node; every other mode reports the
// pairwise p2p adjacency with distances and strengths.
func BuildTopology(reg *Registry) *TopologyData {
	nodes := reg.List()
	data := &TopologyData{
		ServerOnline: reg.ServerOnline(),
		NetworkState: reg.NetworkMode(),
		Nodes:        make(map[string]TopologyNode, len(nodes)),
	}
	for _, n := range nodes {
		data.Nodes[string(n.ID)] = TopologyNode{
			ID:               string(n.ID),
			Name:             n.Name,
			Rank:             n.Rank,
			Unit:             n.Unit,
			Status:           string(n.Status()),
			Position:         n.Position,
			LastSeen:         n.LastSeen().Format(time.RFC3339),
			MessageQueueSize: n.Queue.Len(),
			LamportClock:     n.Clock.Value(),
		}
	}

	if data.NetworkState == StateCentralized {
		for _, n := range nodes {
			if n.Status() != StatusOnline {
				continue
			}
			data.Connections = append(data.Connections, TopologyConnection{
				From:     string(CentralServerID),
				To:       string(n.ID),
				Type:     "centralized",
				Strength: 100,
			})
		}
		return data
	}

	p2pRange := reg.P2PRange()
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if !reg.Adjacent(a, b) {
				continue
			}
			d := Distance(a.Position, b.Position)
			data.Connections = append(data.Connections, TopologyConnection{
				From:     string(a.ID),
				To:       string(b.ID),
				Type:     "p2p",
				Distance: &d,
				Strength: connectionStrength(d, p2pRange),
			})
		}
	}
	return data
}
