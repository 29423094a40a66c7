package netmet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeSettingsValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       ProbeSettings
		wantErr bool
	}{
		{"valid", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5, PacketSize: 55}, false},
		{"default packet size", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5}, false},
		{"timeout equals period", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 1}, true},
		{"timeout exceeds period", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 2}, true},
		{"period too small", ProbeSettings{PeriodSeconds: 0.05, TimeoutSeconds: 0.01}, true},
		{"timeout too small", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.001}, true},
		{"packet size too big", ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5, PacketSize: 2000}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTaskValidateRequiresMatchingDest(t *testing.T) {
	settings := ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5}

	eastWestNoClient := Task{Direction: DirectionEastWest, Protocol: ProtocolICMP, Settings: settings}
	require.Error(t, eastWestNoClient.Validate())

	northSouthNoDest := Task{Direction: DirectionNorthSouth, Protocol: ProtocolHTTP, Settings: settings}
	require.Error(t, northSouthNoDest.Validate())

	client := ClientEndpoint{Host: "h1", IP: "10.0.0.1", Port: 5000}
	ok := Task{Direction: DirectionEastWest, Dest: TaskDest{Client: &client}, Protocol: ProtocolICMP, Settings: settings}
	require.NoError(t, ok.Validate())
}

func TestMetricRecordValidateTransmittedXorLost(t *testing.T) {
	require.NoError(t, MetricRecord{Transmitted: 1, Lost: 0}.Validate())
	require.NoError(t, MetricRecord{Transmitted: 0, Lost: 1}.Validate())
	require.Error(t, MetricRecord{Transmitted: 1, Lost: 1}.Validate())
	require.Error(t, MetricRecord{Transmitted: 0, Lost: 0}.Validate())
}

func TestMetricRecordValidateRejectsDuplicateEvents(t *testing.T) {
	m := MetricRecord{Transmitted: 1, Events: []string{"a", "b", "a"}}
	require.Error(t, m.Validate())
}

func TestClientEndpointIdentityAndBaseURL(t *testing.T) {
	c := ClientEndpoint{Host: "h1", Port: 5000}
	require.Equal(t, "h1:5000", c.Identity())
	require.Equal(t, "http://h1:5000", c.BaseURL())
}
