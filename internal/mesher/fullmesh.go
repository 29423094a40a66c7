package mesher

import (
	"encoding/json"

	"github.com/godaddy/netmet/internal/netmet"
)

// FullMesh has every client probe every other client with both ICMP and
// HTTP, plus probe every external target with its declared protocol.
type FullMesh struct{}

// FullMeshOptions carries the per-protocol ProbeSettings applied to every
// east-west task. External tasks keep their own per-target settings.
type FullMeshOptions struct {
	ICMP netmet.ProbeSettings `json:"icmp"`
	HTTP netmet.ProbeSettings `json:"http"`
}

func (FullMesh) Name() string { return "full_mesh" }

func (FullMesh) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"icmp": map[string]any{"type": "object"},
			"http": map[string]any{"type": "object"},
		},
	}
}

func (FullMesh) Mesh(rawOpts map[string]any, clients []netmet.ClientEndpoint, external []netmet.ExternalTarget) (map[string][]netmet.Task, error) {
	var opts FullMeshOptions
	if len(rawOpts) > 0 {
		buf, err := json.Marshal(rawOpts)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(buf, &opts); err != nil {
			return nil, err
		}
	}

	tasks := make(map[string][]netmet.Task, len(clients))
	for _, c := range clients {
		var list []netmet.Task
		for _, other := range clients {
			if other.Identity() == c.Identity() {
				continue
			}
			other := other
			list = append(list,
				netmet.Task{
					Direction: netmet.DirectionEastWest,
					Dest:      netmet.TaskDest{Client: &other},
					Protocol:  netmet.ProtocolICMP,
					Settings:  opts.ICMP,
				},
				netmet.Task{
					Direction: netmet.DirectionEastWest,
					Dest:      netmet.TaskDest{Client: &other},
					Protocol:  netmet.ProtocolHTTP,
					Settings:  opts.HTTP,
				},
			)
		}
		for _, ext := range external {
			list = append(list, netmet.Task{
				Direction: netmet.DirectionNorthSouth,
				Dest:      netmet.TaskDest{External: ext.Dest},
				Protocol:  ext.Protocol,
				Settings:  ext.Settings,
			})
		}
		tasks[c.Identity()] = list
	}
	return tasks, nil
}
