// Package netmet holds the data model shared by the server and client roles:
// client catalog entries, probe tasks, server configuration, metric records
// and events. Types here are pure data; behavior lives in the sibling
// packages (deployer, mesher, collector, pinger, pusher, store).
package netmet

import (
	"fmt"
	"time"
)

// Direction tags a Task as running between two catalog clients or from a
// client to an external target.
type Direction string

const (
	DirectionEastWest   Direction = "east-west"
	DirectionNorthSouth Direction = "north-south"
)

// Protocol is the probe transport.
type Protocol string

const (
	ProtocolICMP Protocol = "icmp"
	ProtocolHTTP Protocol = "http"
)

// TrafficScopeType is the granularity an Event's traffic filter matches at.
type TrafficScopeType string

const (
	ScopeHost TrafficScopeType = "host"
	ScopeAZ   TrafficScopeType = "az"
	ScopeDC   TrafficScopeType = "dc"
)

// ClientEndpoint identifies one probe host in the catalog. Identity is
// (Host, Port); IP and placement fields are descriptive.
type ClientEndpoint struct {
	Host       string `json:"host"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	AZ         string `json:"az"`
	DC         string `json:"dc"`
	Hypervisor string `json:"hypervisor,omitempty"`
}

// Identity returns the (host, port) key used for catalog diffing.
func (c ClientEndpoint) Identity() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL is the address clients are reached at for control-plane pushes.
func (c ClientEndpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// ExternalTarget is a north-south probe destination outside the catalog.
type ExternalTarget struct {
	Dest     string   `json:"dest"`
	Protocol Protocol `json:"protocol"`
	Settings ProbeSettings `json:"settings"`
}

// ProbeSettings governs one task's cadence.
//
// Invariant (P2): 0 < Timeout < Period, PacketSize in [1, 1024].
type ProbeSettings struct {
	PeriodSeconds  float64 `json:"period"`
	TimeoutSeconds float64 `json:"timeout"`
	PacketSize     int     `json:"packet_size,omitempty"`
}

// DefaultPacketSize is used when a ProbeSettings omits PacketSize.
const DefaultPacketSize = 55

// Period returns the settings period as a time.Duration.
func (s ProbeSettings) Period() time.Duration {
	return time.Duration(s.PeriodSeconds * float64(time.Second))
}

// Timeout returns the settings timeout as a time.Duration.
func (s ProbeSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// EffectivePacketSize returns PacketSize or DefaultPacketSize when unset.
func (s ProbeSettings) EffectivePacketSize() int {
	if s.PacketSize <= 0 {
		return DefaultPacketSize
	}
	return s.PacketSize
}

// Validate enforces P2: 0 < timeout < period, 1 <= packet_size <= 1024.
func (s ProbeSettings) Validate() error {
	if s.PeriodSeconds < 0.1 {
		return fmt.Errorf("period must be >= 0.1s, got %v", s.PeriodSeconds)
	}
	if s.TimeoutSeconds < 0.01 {
		return fmt.Errorf("timeout must be >= 0.01s, got %v", s.TimeoutSeconds)
	}
	if s.TimeoutSeconds >= s.PeriodSeconds {
		return fmt.Errorf("timeout (%v) must be less than period (%v)", s.TimeoutSeconds, s.PeriodSeconds)
	}
	if ps := s.EffectivePacketSize(); ps < 1 || ps > 1024 {
		return fmt.Errorf("packet_size must be in [1,1024], got %d", ps)
	}
	return nil
}

// TaskDest is a tagged union: exactly one of Client or External is set,
// matching which Direction the Task carries.
type TaskDest struct {
	Client   *ClientEndpoint
	External string
}

// Task is one scheduled probe a client must run.
type Task struct {
	Direction Direction     `json:"direction"`
	Dest      TaskDest      `json:"-"`
	Protocol  Protocol      `json:"protocol"`
	Settings  ProbeSettings `json:"settings"`
}

// Validate enforces P2 and that Dest matches Direction.
func (t Task) Validate() error {
	if err := t.Settings.Validate(); err != nil {
		return err
	}
	switch t.Direction {
	case DirectionEastWest:
		if t.Dest.Client == nil {
			return fmt.Errorf("east-west task missing client destination")
		}
	case DirectionNorthSouth:
		if t.Dest.External == "" {
			return fmt.Errorf("north-south task missing external destination")
		}
	default:
		return fmt.Errorf("unknown direction %q", t.Direction)
	}
	switch t.Protocol {
	case ProtocolICMP, ProtocolHTTP:
	default:
		return fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	return nil
}

// DestString renders the task destination for logging and ICMP resolution.
func (t Task) DestString() string {
	if t.Dest.Client != nil {
		return t.Dest.Client.IP
	}
	return t.Dest.External
}

// MesherOptions carries the mesh plugin name and its opaque JSON options.
type MesherOptions struct {
	Plugin  string          `json:"plugin"`
	Options map[string]any  `json:"opts"`
}

// DeploymentStatic is the desired catalog, as submitted by an operator.
type DeploymentStatic struct {
	Clients []ClientEndpoint `json:"clients"`
}

// ServerConfig is one append-only configuration record.
type ServerConfig struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Static    DeploymentStatic  `json:"deployment"`
	Mesher    MesherOptions     `json:"mesher"`
	External  []ExternalTarget  `json:"external"`
	Applied   bool              `json:"applied"`
	Meshed    bool              `json:"meshed"`
}

// MetricRecord is one probe result. Invariant P1: Transmitted+Lost == 1.
type MetricRecord struct {
	Direction   Direction       `json:"direction"`
	ClientSrc   ClientEndpoint  `json:"client_src"`
	ClientDest  *ClientEndpoint `json:"client_dest,omitempty"`
	Dest        string          `json:"dest,omitempty"`
	Protocol    Protocol        `json:"protocol"`
	Timestamp   time.Time       `json:"timestamp"`
	LatencyMS   float64         `json:"latency_ms"`
	PacketSize  int             `json:"packet_size"`
	Transmitted int             `json:"transmitted"`
	Lost        int             `json:"lost"`
	RetCode     int             `json:"ret_code"`
	Events      []string        `json:"events"`
}

// Validate enforces P1.
func (m MetricRecord) Validate() error {
	if m.Transmitted+m.Lost != 1 {
		return fmt.Errorf("transmitted(%d)+lost(%d) must equal 1", m.Transmitted, m.Lost)
	}
	seen := make(map[string]struct{}, len(m.Events))
	for _, e := range m.Events {
		if _, ok := seen[e]; ok {
			return fmt.Errorf("duplicate event id %q", e)
		}
		seen[e] = struct{}{}
	}
	return nil
}

// EventStatus is the lifecycle state of an Event document.
type EventStatus string

const (
	EventStatusCreated  EventStatus = "created"
	EventStatusUpdating EventStatus = "updating"
	EventStatusDeleted  EventStatus = "deleted"
)

// TrafficScope narrows an Event's predicate to a host, AZ or DC.
type TrafficScope struct {
	Type  TrafficScopeType `json:"type"`
	Value string           `json:"value"`
}

// Event is a named time range used to tag historical MetricRecords.
type Event struct {
	ID          string        `json:"event_id"`
	Name        string        `json:"name"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	TrafficFrom *TrafficScope `json:"traffic_from,omitempty"`
	TrafficTo   *TrafficScope `json:"traffic_to,omitempty"`
	Status      EventStatus   `json:"status"`
	TaskID      string        `json:"task_id,omitempty"`
}
