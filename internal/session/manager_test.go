package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-tracker/internal/event"
	"shuttle-tracker/internal/registry"
	"shuttle-tracker/internal/router"
	"shuttle-tracker/internal/track"
)

type fakeSink struct {
	received [][]byte
}

func (s *fakeSink) Send(data []byte) error {
	s.received = append(s.received, data)
	return nil
}

func (s *fakeSink) updates(t *testing.T) []event.VehicleUpdate {
	t.Helper()
	var out []event.VehicleUpdate
	for _, data := range s.received {
		var env struct {
			Type    event.Type      `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type != event.TypeVehicleUpdate {
			continue
		}
		var vu event.VehicleUpdate
		require.NoError(t, json.Unmarshal(env.Payload, &vu))
		out = append(out, vu)
	}
	return out
}

func (s *fakeSink) eventTypes(t *testing.T) []event.Type {
	t.Helper()
	var out []event.Type
	for _, data := range s.received {
		var env struct {
			Type event.Type `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env.Type)
	}
	return out
}

type fakeDirectory struct {
	stop    StopInfo
	names   map[string]string
	lookups int
}

func (d *fakeDirectory) NextStop(_ context.Context, _ string, _, _ float64) (StopInfo, bool, error) {
	d.lookups++
	if d.stop.StopID == "" {
		return StopInfo{}, false, nil
	}
	return d.stop, true, nil
}

func (d *fakeDirectory) StopName(_ context.Context, stopID string) (string, bool, error) {
	name, ok := d.names[stopID]
	return name, ok, nil
}

type statusWrite struct {
	vehicleID string
	status    track.Status
	routeID   string
}

type fakeWriter struct {
	locations []track.VehicleState
	statuses  []statusWrite
}

func (w *fakeWriter) WriteLocation(st track.VehicleState) {
	w.locations = append(w.locations, st)
}

func (w *fakeWriter) WriteStatus(vehicleID string, status track.Status, routeID string) {
	w.statuses = append(w.statuses, statusWrite{vehicleID, status, routeID})
}

type fixture struct {
	mgr    *Manager
	store  *track.Store
	reg    *registry.Registry
	rtr    *router.Router
	dir    *fakeDirectory
	writer *fakeWriter
}

func newFixture() *fixture {
	reg := registry.New()
	store := track.NewStore()
	rtr := router.New()
	dir := &fakeDirectory{
		stop:  StopInfo{StopID: "stop-3", Name: "Campus Gate", DistanceMeters: 500},
		names: map[string]string{"stop-3": "Campus Gate"},
	}
	writer := &fakeWriter{}
	return &fixture{
		mgr:    NewManager(reg, store, rtr, dir, writer, nil),
		store:  store,
		reg:    reg,
		rtr:    rtr,
		dir:    dir,
		writer: writer,
	}
}

func (fx *fixture) connect(connID string) *fakeSink {
	s := &fakeSink{}
	fx.mgr.Connect(connID, s)
	return s
}

func f(v float64) *float64 { return &v }

func validReport(vehicleID string) track.LocationReport {
	return track.LocationReport{VehicleID: vehicleID, Latitude: f(42.65), Longitude: f(23.38), Speed: f(36), Heading: f(90)}
}

func TestReportFansOutToRouteSubscribers(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.connect("driver")
	greenRider := fx.connect("green-rider")
	yellowRider := fx.connect("yellow-rider")
	require.NoError(t, fx.mgr.Subscribe("green-rider", "green"))
	require.NoError(t, fx.mgr.Subscribe("yellow-rider", "yellow"))

	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, fx.mgr.Report(ctx, "driver", validReport("v1")))

	updates := greenRider.updates(t)
	require.Len(t, updates, 1)
	assert.Empty(t, yellowRider.updates(t))

	vu := updates[0]
	assert.Equal(t, "v1", vu.VehicleID)
	assert.Equal(t, "green", vu.RouteID)
	assert.Equal(t, 42.65, vu.Latitude)
	assert.Equal(t, string(track.StatusInService), vu.Status)
	assert.Equal(t, "stop-3", vu.NextStopID)
	// 36 km/h = 10 m/s over 500 m
	assert.Equal(t, 50, vu.NextStopETA)
}

func TestAllSubscriberSeesEveryRoute(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	admin := fx.connect("admin")
	require.NoError(t, fx.mgr.Subscribe("admin", "all"))

	fx.connect("d1")
	fx.connect("d2")
	require.NoError(t, fx.mgr.RegisterDriver("d1", "v1", "green"))
	require.NoError(t, fx.mgr.RegisterDriver("d2", "v2", "yellow"))
	require.NoError(t, fx.mgr.Report(ctx, "d1", validReport("v1")))
	require.NoError(t, fx.mgr.Report(ctx, "d2", validReport("v2")))

	_, err := fx.mgr.StopArrived(ctx, "d1", "v1", "stop-3")
	require.NoError(t, err)

	assert.Equal(t,
		[]event.Type{event.TypeVehicleUpdate, event.TypeVehicleUpdate, event.TypeStopArrival},
		admin.eventTypes(t))
}

func TestInvalidReportLeavesStoreUntouched(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	rider := fx.connect("rider")
	require.NoError(t, fx.mgr.Subscribe("rider", "green"))
	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))

	bad := track.LocationReport{VehicleID: "v1", Latitude: f(95), Longitude: f(10)}
	err := fx.mgr.Report(ctx, "driver", bad)

	var ve *track.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, track.ReasonOutOfRange, ve.Reason)

	st, ok := fx.store.Get("v1")
	require.True(t, ok)
	assert.Zero(t, st.Latitude)
	assert.True(t, st.UpdatedAt.IsZero())
	assert.Empty(t, rider.updates(t))
}

func TestReportBeforeRegisterRejected(t *testing.T) {
	fx := newFixture()
	fx.connect("c1")

	err := fx.mgr.Report(context.Background(), "c1", validReport("v1"))
	assert.ErrorIs(t, err, ErrUnregisteredDriver)

	_, ok := fx.store.Get("v1")
	assert.False(t, ok)
}

func TestRoleConflicts(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	assert.ErrorIs(t, fx.mgr.Subscribe("driver", "green"), registry.ErrRoleConflict)

	fx.connect("rider")
	require.NoError(t, fx.mgr.Subscribe("rider", "green"))
	assert.ErrorIs(t, fx.mgr.Report(ctx, "rider", validReport("v1")), registry.ErrRoleConflict)
	_, err := fx.mgr.StopArrived(ctx, "rider", "v1", "stop-3")
	assert.ErrorIs(t, err, registry.ErrRoleConflict)
}

func TestDisconnectCleansUp(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, fx.mgr.Report(ctx, "driver", validReport("v1")))

	fx.connect("rider")
	require.NoError(t, fx.mgr.Subscribe("rider", "green"))

	fx.mgr.Disconnect("driver")

	st, ok := fx.store.Get("v1")
	require.True(t, ok)
	assert.Equal(t, track.StatusAvailable, st.Status)
	assert.Empty(t, st.RouteID)
	// The stale position survives; only status reverts.
	assert.Equal(t, 42.65, st.Latitude)

	// Observer cleanup removes every membership.
	fx.mgr.Disconnect("rider")
	assert.Zero(t, fx.rtr.MemberCount(router.RouteTopic("green")))
	_, found := fx.reg.Lookup("rider")
	assert.False(t, found)
}

func TestReRegisterDifferentVehicle(t *testing.T) {
	fx := newFixture()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v2", "green"))

	fx.mgr.Disconnect("driver")

	// v2 was the active binding and reverts; v1 was never touched by the
	// re-registration or the disconnect.
	v2, _ := fx.store.Get("v2")
	assert.Equal(t, track.StatusAvailable, v2.Status)
	v1, _ := fx.store.Get("v1")
	assert.Equal(t, track.StatusInService, v1.Status)
}

func TestDisplacedConnectionCannotRevertVehicle(t *testing.T) {
	fx := newFixture()

	fx.connect("old")
	require.NoError(t, fx.mgr.RegisterDriver("old", "v1", "green"))
	fx.connect("new")
	require.NoError(t, fx.mgr.RegisterDriver("new", "v1", "green"))

	// The older connection disconnects after losing the vehicle.
	fx.mgr.Disconnect("old")
	st, _ := fx.store.Get("v1")
	assert.Equal(t, track.StatusInService, st.Status)

	fx.mgr.Disconnect("new")
	st, _ = fx.store.Get("v1")
	assert.Equal(t, track.StatusAvailable, st.Status)
}

func TestRegisterIsIdempotent(t *testing.T) {
	fx := newFixture()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))

	st, _ := fx.store.Get("v1")
	assert.Equal(t, track.StatusInService, st.Status)
	assert.Equal(t, "green", st.RouteID)

	// Drivers never join topics, and repeated registration must not
	// create memberships either.
	assert.Zero(t, fx.rtr.MemberCount(router.RouteTopic("green")))
}

func TestStopArrivedPublishesToVehicleRoute(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	rider := fx.connect("rider")
	require.NoError(t, fx.mgr.Subscribe("rider", "green"))
	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))

	ok, err := fx.mgr.StopArrived(ctx, "driver", "v1", "stop-3")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, rider.received, 1)
	var env struct {
		Type    event.Type        `json:"type"`
		Payload event.StopArrival `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rider.received[0], &env))
	assert.Equal(t, event.TypeStopArrival, env.Type)
	assert.Equal(t, "Campus Gate", env.Payload.StopName)
}

func TestStopArrivedUnknownVehicleIsNoOp(t *testing.T) {
	fx := newFixture()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))

	ok, err := fx.mgr.StopArrived(context.Background(), "driver", "ghost", "stop-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcastAlert(t *testing.T) {
	fx := newFixture()

	green := fx.connect("green-rider")
	require.NoError(t, fx.mgr.Subscribe("green-rider", "green"))
	yellow := fx.connect("yellow-rider")
	require.NoError(t, fx.mgr.Subscribe("yellow-rider", "yellow"))

	fx.mgr.BroadcastAlert("green", event.AlertWarning, "Detour", "Main St closed")
	assert.Len(t, green.received, 1)
	assert.Empty(t, yellow.received)

	fx.mgr.BroadcastAlert("*", event.AlertEmergency, "Service halt", "All routes suspended")
	assert.Len(t, green.received, 2)
	assert.Len(t, yellow.received, 1)
}

func TestWriteThroughReceivesUpdates(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.connect("driver")
	require.NoError(t, fx.mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, fx.mgr.Report(ctx, "driver", validReport("v1")))
	fx.mgr.Disconnect("driver")

	require.Len(t, fx.writer.statuses, 2)
	assert.Equal(t, statusWrite{"v1", track.StatusInService, "green"}, fx.writer.statuses[0])
	assert.Equal(t, statusWrite{"v1", track.StatusAvailable, ""}, fx.writer.statuses[1])
	require.Len(t, fx.writer.locations, 1)
	assert.Equal(t, "v1", fx.writer.locations[0].VehicleID)
}

func TestReportWithoutDirectoryUsesFallbackDistance(t *testing.T) {
	reg := registry.New()
	store := track.NewStore()
	rtr := router.New()
	mgr := NewManager(reg, store, rtr, nil, nil, nil)

	sink := &fakeSink{}
	mgr.Connect("rider", sink)
	require.NoError(t, mgr.Subscribe("rider", "green"))
	mgr.Connect("driver", &fakeSink{})
	require.NoError(t, mgr.RegisterDriver("driver", "v1", "green"))
	require.NoError(t, mgr.Report(context.Background(), "driver", validReport("v1")))

	updates := sink.updates(t)
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].NextStopID)
	// Fallback 500 m at 10 m/s.
	assert.Equal(t, 50, updates[0].NextStopETA)
}

var errStopLookup = errors.New("directory down")

type failingDirectory struct{}

func (failingDirectory) NextStop(context.Context, string, float64, float64) (StopInfo, bool, error) {
	return StopInfo{}, false, errStopLookup
}

func (failingDirectory) StopName(context.Context, string) (string, bool, error) {
	return "", false, errStopLookup
}

func TestDirectoryFailureDoesNotBlockPublish(t *testing.T) {
	reg := registry.New()
	mgr := NewManager(reg, track.NewStore(), router.New(), failingDirectory{}, nil, nil)

	sink := &fakeSink{}
	mgr.Connect("rider", sink)
	require.NoError(t, mgr.Subscribe("rider", "green"))
	mgr.Connect("driver", &fakeSink{})
	require.NoError(t, mgr.RegisterDriver("driver", "v1", "green"))

	require.NoError(t, mgr.Report(context.Background(), "driver", validReport("v1")))
	assert.Len(t, sink.updates(t), 1)
}
