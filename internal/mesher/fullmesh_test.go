package mesher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/netmet"
)

func TestFullMeshProbesEveryOtherClientTwice(t *testing.T) {
	h1 := netmet.ClientEndpoint{Host: "h1", IP: "10.0.0.1", Port: 5000, AZ: "a", DC: "d"}
	h2 := netmet.ClientEndpoint{Host: "h2", IP: "10.0.0.2", Port: 5000, AZ: "a", DC: "d"}

	tasks, err := FullMesh{}.Mesh(nil, []netmet.ClientEndpoint{h1, h2}, nil)
	require.NoError(t, err)

	require.Len(t, tasks[h1.Identity()], 2)
	require.Len(t, tasks[h2.Identity()], 2)

	var protocols []netmet.Protocol
	for _, task := range tasks[h1.Identity()] {
		require.Equal(t, netmet.DirectionEastWest, task.Direction)
		require.Equal(t, h2.Identity(), task.Dest.Client.Identity())
		protocols = append(protocols, task.Protocol)
	}
	require.ElementsMatch(t, []netmet.Protocol{netmet.ProtocolICMP, netmet.ProtocolHTTP}, protocols)
}

func TestFullMeshAddsNorthSouthPerExternalTarget(t *testing.T) {
	h1 := netmet.ClientEndpoint{Host: "h1", Port: 5000}
	ext := netmet.ExternalTarget{
		Dest:     "example.com",
		Protocol: netmet.ProtocolICMP,
		Settings: netmet.ProbeSettings{PeriodSeconds: 5, TimeoutSeconds: 1},
	}

	tasks, err := FullMesh{}.Mesh(nil, []netmet.ClientEndpoint{h1}, []netmet.ExternalTarget{ext})
	require.NoError(t, err)
	require.Len(t, tasks[h1.Identity()], 1)

	task := tasks[h1.Identity()][0]
	require.Equal(t, netmet.DirectionNorthSouth, task.Direction)
	require.Equal(t, "example.com", task.Dest.External)
	require.Equal(t, ext.Settings, task.Settings)
}

func TestFullMeshAppliesPerProtocolOptions(t *testing.T) {
	h1 := netmet.ClientEndpoint{Host: "h1", Port: 5000}
	h2 := netmet.ClientEndpoint{Host: "h2", Port: 5000}
	opts := map[string]any{
		"icmp": map[string]any{"period": 1.0, "timeout": 0.2},
		"http": map[string]any{"period": 2.0, "timeout": 0.5},
	}

	tasks, err := FullMesh{}.Mesh(opts, []netmet.ClientEndpoint{h1, h2}, nil)
	require.NoError(t, err)

	for _, task := range tasks[h1.Identity()] {
		switch task.Protocol {
		case netmet.ProtocolICMP:
			require.Equal(t, 1.0, task.Settings.PeriodSeconds)
		case netmet.ProtocolHTTP:
			require.Equal(t, 2.0, task.Settings.PeriodSeconds)
		}
	}
}

func TestRegistryLooksUpFullMeshByName(t *testing.T) {
	p, ok := Lookup("full_mesh")
	require.True(t, ok)
	require.Equal(t, "full_mesh", p.Name())
}
