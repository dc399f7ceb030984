package federation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshfed/pkg/store"
	"meshfed/pkg/types"
)

func testEnv(local string, clock *fakeClock) Env {
	return Env{LocalSiteID: local, Topics: testTopics, Now: clock.Now}
}

// inbound builds the decoded form of a message as it would arrive.
func inbound(t *testing.T, topic string, env Envelope) Message {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	msg, err := Decode(testTopics, topic, data)
	require.NoError(t, err)
	return msg
}

func eventMessage(t *testing.T, origin, eventType string, ts int64, payload string) Message {
	t.Helper()
	return inbound(t, testTopics.Event(origin, eventType), Envelope{
		Type:         TypeEvent,
		OriginSiteID: origin,
		Timestamp:    ts,
		EventType:    eventType,
		Payload:      json.RawMessage(payload),
	})
}

func TestEventAlertDedup(t *testing.T) {
	clock := newFakeClock()
	events := store.NewEvents("bravo")
	notifier := &recordingNotifier{}
	f := NewEventFederation(testEnv("bravo", clock), events, nil, notifier)
	ctx := context.Background()

	alert := `{"id":"a1","nodeId":"n1","message":"intrusion","level":"critical"}`

	outcome, err := f.apply(ctx, eventMessage(t, "alpha", EventAlert, 1, alert))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, notifier.count())

	clock.Advance(10 * time.Second)
	_, err = f.apply(ctx, eventMessage(t, "alpha", EventAlert, 2, alert))
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count(), "repeat within the window is not dispatched")

	clock.Advance(6 * time.Minute)
	_, err = f.apply(ctx, eventMessage(t, "alpha", EventAlert, 3, alert))
	require.NoError(t, err)
	assert.Equal(t, 2, notifier.count())

	// Every copy still reaches the live stream.
	assert.Len(t, events.Recent(), 3)

	got := notifier.alerts[0]
	assert.Equal(t, "alpha", got.SiteID)
	assert.Equal(t, "critical", got.Level)
	assert.Equal(t, time.UnixMilli(1), got.Timestamp, "envelope time when the payload has none")
}

func TestEventAlertDispatchFailure(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	f := NewEventFederation(testEnv("bravo", clock), store.NewEvents("bravo"), nil, notifier)

	_, err := f.apply(context.Background(), eventMessage(t, "alpha", EventAlert, 0, `{"message":"x"}`))
	assert.Error(t, err)
	assert.Equal(t, clock.Now(), notifier.alerts[0].Timestamp)
}

func TestEventAlertRetriedAfterDispatchFailure(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	f := NewEventFederation(testEnv("bravo", clock), store.NewEvents("bravo"), nil, notifier)
	ctx := context.Background()
	alert := `{"id":"a1","message":"intrusion"}`

	_, err := f.apply(ctx, eventMessage(t, "alpha", EventAlert, 1, alert))
	require.Error(t, err)

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()

	clock.Advance(10 * time.Second)
	outcome, err := f.apply(ctx, eventMessage(t, "alpha", EventAlert, 2, alert))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 2, notifier.count(), "redelivery is dispatched again")

	clock.Advance(10 * time.Second)
	_, err = f.apply(ctx, eventMessage(t, "alpha", EventAlert, 3, alert))
	require.NoError(t, err)
	assert.Equal(t, 2, notifier.count(), "suppressed once delivered")
}

func TestEventIgnoresTypesOutsideAllowList(t *testing.T) {
	clock := newFakeClock()
	events := store.NewEvents("bravo")
	f := NewEventFederation(testEnv("bravo", clock), events, nil, nil)

	outcome, err := f.apply(context.Background(), eventMessage(t, "alpha", "scan.progress", 0, `{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, events.Recent())

	assert.True(t, Federated("ALERT"))
	assert.False(t, Federated("scan.progress"))
}

func TestEventDroneTelemetry(t *testing.T) {
	clock := newFakeClock()
	events := store.NewEvents("bravo")
	drones := store.NewDrones()
	f := NewEventFederation(testEnv("bravo", clock), events, drones, nil)
	ctx := context.Background()

	outcome, err := f.apply(ctx, eventMessage(t, "alpha", EventDroneTelemetry, 0,
		`{"droneId":"d1","lat":"12.5","lon":3,"altitude":"120.5","speed":"n/a","rssi":-61}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	d, ok, err := drones.Drone(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.5, d.Latitude)
	assert.Equal(t, ptr(120.5), d.Altitude)
	assert.Nil(t, d.Speed)
	assert.Equal(t, ptr(-61), d.RSSI)
	assert.Equal(t, types.DroneUnknown, d.Status)
	assert.Equal(t, "alpha", d.SiteID)
	assert.Equal(t, clock.Now(), d.LastSeen)

	// A classification survives telemetry that carries none.
	require.NoError(t, drones.UpdateDroneStatus(ctx, "d1", types.DroneHostile))
	_, err = f.apply(ctx, eventMessage(t, "alpha", EventDroneTelemetry, 0, `{"droneId":"d1","lat":13,"lon":3}`))
	require.NoError(t, err)
	d, _, _ = drones.Drone(ctx, "d1")
	assert.Equal(t, types.DroneHostile, d.Status)
	assert.Equal(t, 13.0, d.Latitude)

	rejected := []string{
		`{"lat":1,"lon":1}`,
		`{"droneId":"d2","lat":"north","lon":1}`,
		`{"droneId":"d2","lat":91,"lon":1}`,
		`{"droneId":"d2","lat":1}`,
	}
	for _, payload := range rejected {
		outcome, err := f.apply(ctx, eventMessage(t, "alpha", EventDroneTelemetry, 0, payload))
		require.NoError(t, err)
		assert.Equal(t, OutcomeMalformed, outcome, payload)
	}
	_, ok, _ = drones.Drone(ctx, "d2")
	assert.False(t, ok)
	assert.Len(t, events.Recent(), 2)
}

func TestEventDroneStatus(t *testing.T) {
	clock := newFakeClock()
	drones := store.NewDrones()
	f := NewEventFederation(testEnv("bravo", clock), store.NewEvents("bravo"), drones, nil)
	ctx := context.Background()

	outcome, err := f.apply(ctx, eventMessage(t, "alpha", EventDroneStatus, 0, `{"droneId":"d1","status":"Friendly"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	d, ok, _ := drones.Drone(ctx, "d1")
	require.True(t, ok)
	assert.Equal(t, types.DroneFriendly, d.Status)

	outcome, err = f.apply(ctx, eventMessage(t, "alpha", EventDroneStatus, 0, `{"droneId":"d1","status":"bogus"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	d, _, _ = drones.Drone(ctx, "d1")
	assert.Equal(t, types.DroneFriendly, d.Status)
}

func TestNodeApply(t *testing.T) {
	clock := newFakeClock()
	nodes := store.NewNodes(types.Site{ID: "bravo"})
	f := NewNodeFederation(testEnv("bravo", clock), nodes)
	ctx := context.Background()
	topic := testTopics.Publish("alpha", ResourceNodes, ActionUpsert)

	upsert := func(ts int64, payload string) string {
		outcome, err := f.apply(ctx, inbound(t, topic, Envelope{
			Type: TypeNodeUpsert, OriginSiteID: "alpha", Timestamp: ts, Payload: json.RawMessage(payload),
		}))
		require.NoError(t, err)
		return outcome
	}

	assert.Equal(t, OutcomeIgnored, upsert(1, `{"id":"n1","siteId":"bravo"}`), "claims a local node")
	_, ok := nodes.Node("bravo", "n1")
	assert.False(t, ok)

	assert.Equal(t, OutcomeIgnored, upsert(2, `{"id":"n2","siteId":"charlie"}`), "owned by another site")
	_, ok = nodes.Node("charlie", "n2")
	assert.False(t, ok)
	_, ok = nodes.Node("alpha", "n2")
	assert.False(t, ok)

	assert.Equal(t, OutcomeApplied, upsert(10, `{"id":"n1","lat":1,"lon":2,"siteName":"Alpha HQ"}`))
	assert.Equal(t, OutcomeStale, upsert(9, `{"id":"n1","lat":5,"lon":5}`))

	node, ok := nodes.Node("alpha", "n1")
	require.True(t, ok)
	assert.Equal(t, 1.0, node.Latitude)
	assert.Equal(t, "alpha", node.OriginSiteID)

	site, ok := nodes.Site("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha HQ", site.Name)
	assert.Equal(t, siteColor("alpha"), site.Color)
	assert.Equal(t, siteColor("alpha"), siteColor("alpha"))
}

func TestCommandApply(t *testing.T) {
	clock := newFakeClock()
	commands := &countingCommands{Commands: store.NewCommands("bravo")}
	f := NewCommandFederation(testEnv("bravo", clock), commands)
	ctx := context.Background()

	request := func(target, id string) string {
		outcome, err := f.apply(ctx, inbound(t, testTopics.Publish(target, ResourceCommands, ActionRequest), Envelope{
			Type: TypeCommandRequest, OriginSiteID: "alpha", CommandID: id, TargetSiteID: target,
			Payload: json.RawMessage(`{"name":"SCAN","target":"node-1"}`),
		}))
		require.NoError(t, err)
		return outcome
	}

	assert.Equal(t, OutcomeIgnored, request("charlie", "r1"), "addressed to another site")
	assert.Equal(t, OutcomeApplied, request("bravo", "r1"))
	assert.Equal(t, OutcomeIgnored, request("bravo", "r1"))
	clock.Advance(10 * time.Minute)
	assert.Equal(t, OutcomeIgnored, request("bravo", "r1"))
	assert.Equal(t, int32(1), commands.executed.Load())

	cmd, ok := commands.Command("r1")
	require.True(t, ok)
	assert.Equal(t, "SCAN", cmd.Name)
	assert.Equal(t, types.CommandCreated, cmd.Status)

	state := func(ts int64, status string) string {
		outcome, err := f.apply(ctx, inbound(t, testTopics.Publish("alpha", ResourceCommands, ActionEvents), Envelope{
			Type: TypeCommandEvent, OriginSiteID: "alpha", CommandID: "c1", Timestamp: ts,
			Payload: json.RawMessage(`{"name":"SCAN","status":"` + status + `"}`),
		}))
		require.NoError(t, err)
		return outcome
	}
	assert.Equal(t, OutcomeApplied, state(20, "running"))
	assert.Equal(t, OutcomeStale, state(10, "created"))
	remote, ok := commands.Remote("alpha", "c1")
	require.True(t, ok)
	assert.Equal(t, types.CommandRunning, remote.Status)
}

func TestGeofenceApply(t *testing.T) {
	clock := newFakeClock()
	geofences := store.NewGeofences("bravo")
	f := NewGeofenceFederation(testEnv("bravo", clock), geofences)
	ctx := context.Background()

	_, err := geofences.Upsert(types.GeofenceRecord{ID: "own", Polygon: square()})
	require.NoError(t, err)

	geofence := func(id, site string, updated int64) types.GeofenceRecord {
		return types.GeofenceRecord{ID: id, SiteID: site, Polygon: square(), UpdatedAt: time.UnixMilli(updated)}
	}
	snapshot := func(ts int64, list ...types.GeofenceRecord) string {
		env, err := NewEnvelope(TypeGeofenceSnapshot, "alpha", time.UnixMilli(ts), list)
		require.NoError(t, err)
		outcome, err := f.apply(ctx, inbound(t, testTopics.Publish("alpha", ResourceGeofences, ActionSnapshot), env))
		require.NoError(t, err)
		return outcome
	}
	upsert := func(g types.GeofenceRecord) string {
		env, err := NewEnvelope(TypeGeofenceUpsert, "alpha", g.UpdatedAt, g)
		require.NoError(t, err)
		outcome, err := f.apply(ctx, inbound(t, testTopics.Publish("alpha", ResourceGeofences, ActionUpsert), env))
		require.NoError(t, err)
		return outcome
	}
	del := func(topicSite, id string, ts int64) string {
		outcome, err := f.apply(ctx, inbound(t, testTopics.Publish(topicSite, ResourceGeofences, ActionDelete), Envelope{
			Type: TypeGeofenceDelete, OriginSiteID: "alpha", GeofenceID: id, Timestamp: ts,
		}))
		require.NoError(t, err)
		return outcome
	}

	// Records claiming another owner are dropped from a snapshot.
	assert.Equal(t, OutcomeApplied, snapshot(100, geofence("g1", "alpha", 50), geofence("g2", "", 50), geofence("x", "charlie", 50)))
	assert.Len(t, geofences.Remote("alpha"), 2)
	assert.Empty(t, geofences.Remote("charlie"))

	assert.Equal(t, OutcomeStale, snapshot(90))
	assert.Len(t, geofences.Remote("alpha"), 2)

	assert.Equal(t, OutcomeApplied, del("alpha", "g1", 80))
	assert.Equal(t, OutcomeStale, del("alpha", "g2", 40), "older than the record's version")

	// A later snapshot built before the delete must not resurrect g1.
	assert.Equal(t, OutcomeApplied, snapshot(110, geofence("g1", "alpha", 60), geofence("g2", "alpha", 60)))
	remote := geofences.Remote("alpha")
	require.Len(t, remote, 1)
	assert.Equal(t, "g2", remote[0].ID)

	// Upserts that raced ahead of a snapshot survive it; older replicas go.
	assert.Equal(t, OutcomeApplied, upsert(geofence("g3", "alpha", 120)))
	assert.Equal(t, OutcomeApplied, upsert(geofence("g4", "alpha", 200)))
	assert.Equal(t, OutcomeApplied, snapshot(150, geofence("g2", "alpha", 60)))
	remote = geofences.Remote("alpha")
	require.Len(t, remote, 2)
	assert.Equal(t, "g2", remote[0].ID)
	assert.Equal(t, "g4", remote[1].ID)

	// An upsert may only come from the owner of the record.
	assert.Equal(t, OutcomeIgnored, upsert(geofence("x", "charlie", 210)))
	assert.Empty(t, geofences.Remote("charlie"))

	// Requests addressed to charlie are not ours to act on.
	assert.Equal(t, OutcomeIgnored, del("charlie", "x", 0))

	// Addressed to us: the owner deletes its own record.
	assert.Equal(t, OutcomeApplied, del("bravo", "own", 0))
	_, ok := geofences.Local("own")
	assert.False(t, ok)
	assert.Equal(t, OutcomeApplied, del("bravo", "own", 0))
}

func TestTargetApplyIgnoresLocalRecords(t *testing.T) {
	clock := newFakeClock()
	targets := store.NewTargets("bravo")
	f := NewTargetFederation(testEnv("bravo", clock), targets)

	outcome, err := f.apply(context.Background(), inbound(t, testTopics.Publish("alpha", ResourceTargets, ActionUpsert), Envelope{
		Type: TypeTargetUpsert, OriginSiteID: "alpha", Payload: json.RawMessage(`{"id":"t1","siteId":"bravo"}`),
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = f.apply(context.Background(), inbound(t, testTopics.Publish("alpha", ResourceTargets, ActionUpsert), Envelope{
		Type: TypeTargetUpsert, OriginSiteID: "alpha", Payload: json.RawMessage(`{"id":"t2","siteId":"charlie"}`),
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome, "owned by another site")
	assert.Empty(t, targets.List())
}
