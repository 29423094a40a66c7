package eventtagger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/netmet"
)

func TestBuildPredicateAddIncludesTimeRangeAndExcludesTaggedDocs(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	ev := netmet.Event{
		ID:         "e1",
		StartedAt:  start,
		FinishedAt: &end,
		TrafficTo:  &netmet.TrafficScope{Type: netmet.ScopeAZ, Value: "a"},
	}

	predicate := buildPredicate(ev, "add")
	boolQuery := predicate["bool"].(map[string]any)
	must := boolQuery["must"].([]map[string]any)

	require.Len(t, must, 3) // range, scope clause, events-not-contains clause

	rangeClause := must[0]["range"].(map[string]any)
	ts := rangeClause["timestamp"].(map[string]any)
	require.Equal(t, start.Format(time.RFC3339Nano), ts["gte"])
	require.Equal(t, end.Format(time.RFC3339Nano), ts["lte"])

	notContains := must[2]["bool"].(map[string]any)["must_not"].([]map[string]any)[0]
	require.Equal(t, "e1", notContains["term"].(map[string]any)["events"])
}

func TestBuildPredicateRemoveRequiresEventsContains(t *testing.T) {
	ev := netmet.Event{ID: "e2"}
	predicate := buildPredicate(ev, "remove")
	must := predicate["bool"].(map[string]any)["must"].([]map[string]any)
	require.Len(t, must, 1)
	require.Equal(t, "e2", must[0]["term"].(map[string]any)["events"])
}

func TestScopeClauseHostMatchesScopedField(t *testing.T) {
	clause := scopeClause("client_src", netmet.TrafficScope{Type: netmet.ScopeHost, Value: "h1"})
	should := clause["bool"].(map[string]any)["should"].([]map[string]any)
	require.Equal(t, "h1", should[0]["term"].(map[string]any)["client_src.host"])
}

func TestScopeClauseAZUsesTermQuery(t *testing.T) {
	clause := scopeClause("client_dest", netmet.TrafficScope{Type: netmet.ScopeAZ, Value: "az1"})
	require.Equal(t, "az1", clause["term"].(map[string]any)["client_dest.az"])
}
