package instance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/memhook/codec"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/health"
	"github.com/c360/memhook/instance"
	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/metric"
	"github.com/c360/memhook/notify"
	"github.com/c360/memhook/preprocessor"
	memtest "github.com/c360/memhook/testutil"
)

const waitTimeout = 2 * time.Second

type harness struct {
	inst     *instance.Instance
	drv      *memtest.FakeDriver
	loader   *memtest.StaticLoader
	notifier *memtest.RecordingNotifier
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
}

func testConfig() instance.Config {
	cfg := instance.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.BootstrapTimeout = time.Second
	cfg.DriverErrorInterval = 0
	return cfg
}

func newHarness(t *testing.T, cfg instance.Config) *harness {
	t.Helper()
	h := &harness{
		drv:      memtest.NewFakeDriver(),
		loader:   memtest.NewStaticLoader(),
		notifier: memtest.NewRecordingNotifier(),
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}
	inst, err := instance.New(instance.Deps{
		Config:          cfg,
		Loader:          h.loader,
		Notifier:        h.notifier,
		MetricsRegistry: h.registry,
		Health:          h.monitor,
	})
	require.NoError(t, err)
	h.inst = inst
	t.Cleanup(func() { inst.Unload(context.Background()) })
	return h
}

func (h *harness) load(t *testing.T, id string, m *mapper.Mapper) {
	t.Helper()
	h.loader.Add(id, m)
	require.NoError(t, h.inst.Load(context.Background(), h.drv, id))
}

// waitForReads waits until the driver has served n more reads
func (h *harness) waitForReads(t *testing.T, n int) {
	t.Helper()
	target := h.drv.Reads() + n
	memtest.WaitFor(t, waitTimeout, func() bool { return h.drv.Reads() >= target }, "driver reads")
}

func gbMapper() *mapper.Mapper {
	return memtest.NewMapper("GB",
		memtest.Field("player.hp", codec.Uint, 0xD16C, 2),
		memtest.Field("audio.channel", codec.Uint, 0xFF80, 1),
	)
}

func TestNew_RequiresLoader(t *testing.T) {
	_, err := instance.New(instance.Deps{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeConcurrency = -1
	_, err := instance.New(instance.Deps{Config: cfg, Loader: memtest.NewStaticLoader()})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_GameBoyEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	h.drv.Set(0xD16C, 0x00, 0x23)
	h.drv.Set(0xFF80, 0x42)

	m := gbMapper()
	h.load(t, "pokemon-red", m)

	assert.Equal(t, instance.StateRunning, h.inst.State())

	var names []string
	for _, b := range h.inst.Blocks() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"Work RAM (Part 2)", "High RAM"}, names)

	snap, err := h.inst.Property("audio.channel")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), snap.Value)
	require.NotNil(t, snap.Address)
	assert.Equal(t, uint32(0xFF80), *snap.Address)

	snap, err = h.inst.Property("player.hp")
	require.NoError(t, err)
	assert.Equal(t, uint64(35), snap.Value)

	meta, err := h.inst.Meta()
	require.NoError(t, err)
	assert.Equal(t, m.Meta, meta)

	// bootstrap values are served through Properties, not as changes
	assert.Equal(t, []string{notify.EventMapperLoading, notify.EventMapperLoaded}, h.notifier.Events())
	assert.Equal(t, []mapper.Meta{m.Meta}, h.notifier.Loaded())
	assert.Len(t, h.inst.Properties(), 2)
}

func TestLoad_EmitsChangesOnlyWhenValueChanges(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())

	h.drv.Set(0xD16C, 0x00, 0x2A)
	memtest.WaitFor(t, waitTimeout, func() bool {
		return len(h.notifier.ChangesFor("player.hp")) == 1
	}, "player.hp change")

	h.waitForReads(t, 5)

	changes := h.notifier.ChangesFor("player.hp")
	require.Len(t, changes, 1)
	assert.Equal(t, uint64(42), changes[0].Value)
	assert.Equal(t, "uint", changes[0].Type)
	assert.Equal(t, []byte{0x00, 0x2A}, changes[0].Bytes)
	require.NotNil(t, changes[0].Address)
	assert.Equal(t, uint32(0xD16C), *changes[0].Address)
	assert.Empty(t, h.notifier.ChangesFor("audio.channel"))

	events := h.notifier.Events()
	assert.Equal(t, []string{notify.EventMapperLoading, notify.EventMapperLoaded, notify.EventPropertyChanged}, events)
}

func TestLoad_ChangesFollowMapperOrder(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeConcurrency = 4
	h := newHarness(t, cfg)

	var fields []mapper.FieldSpec
	for n := 0; n < 20; n++ {
		fields = append(fields, memtest.Field(fmt.Sprintf("bag.%d", n), codec.Uint, 0xD300+uint32(n), 1))
	}
	h.load(t, "game", memtest.NewMapper("GB", fields...))

	data := make([]byte, 20)
	for n := range data {
		data[n] = byte(n + 1)
	}
	h.drv.Set(0xD300, data...)

	memtest.WaitFor(t, waitTimeout, func() bool { return len(h.notifier.Changes()) == 20 }, "20 changes")
	for n, c := range h.notifier.Changes() {
		assert.Equal(t, fmt.Sprintf("bag.%d", n), c.Path)
		assert.Equal(t, uint64(n+1), c.Value)
	}
}

func TestLoad_BootstrapFailureResets(t *testing.T) {
	cfg := testConfig()
	cfg.BootstrapTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.drv.SetReadError(&errors.DriverTimeoutError{Address: 0xD000, Driver: "fake"})

	h.loader.Add("game", gbMapper())
	err := h.inst.Load(context.Background(), h.drv, "game")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDriverTimeout)
	assert.True(t, errors.IsTransient(err))

	assert.Equal(t, instance.StateUnloaded, h.inst.State())
	assert.Nil(t, h.inst.Properties())
	assert.Equal(t, []string{notify.EventMapperLoading}, h.notifier.Events())

	core := h.registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.MapperLoads.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.InstanceState))

	// the loop is gone
	reads := h.drv.Reads()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, reads, h.drv.Reads())
}

func TestLoad_CancelledContext(t *testing.T) {
	h := newHarness(t, testConfig())
	h.drv.SetReadError(fmt.Errorf("%w: no emulator", errors.ErrDriverDisconnected))
	h.loader.Add("game", gbMapper())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.inst.Load(ctx, h.drv, "game")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, instance.StateUnloaded, h.inst.State())
}

func TestLoad_UnknownPlatform(t *testing.T) {
	h := newHarness(t, testConfig())
	h.loader.Add("ps2", memtest.NewMapper("PS2", memtest.Field("x", codec.Uint, 0x10, 1)))

	err := h.inst.Load(context.Background(), h.drv, "ps2")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownPlatform)
	assert.Equal(t, instance.StateUnloaded, h.inst.State())
	assert.Zero(t, h.drv.Reads())
}

func TestLoad_SchemaNotFound(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.inst.Load(context.Background(), h.drv, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaNotFound)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_NilDriver(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.inst.Load(context.Background(), nil, "game")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_ReplacesPreviousMapper(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "first", gbMapper())
	h.load(t, "second", memtest.NewMapper("GB", memtest.Field("only", codec.Bool, 0xC000, 1)))

	props := h.inst.Properties()
	require.Len(t, props, 1)
	assert.Equal(t, "only", props[0].Path)
	assert.Len(t, h.notifier.Loaded(), 2)
}

func TestReload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())

	updated := gbMapper()
	updated.Fields = append(updated.Fields, memtest.Field("player.badges", codec.BitArray, 0xD356, 1))
	h.loader.Add("game", updated)

	require.NoError(t, h.inst.Reload(context.Background()))
	assert.Equal(t, 2, h.loader.Loads())
	assert.Len(t, h.inst.Properties(), 3)
	assert.Equal(t, instance.StateRunning, h.inst.State())
}

func TestNotLoaded(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.inst.Property("player.hp")
	assert.ErrorIs(t, err, errors.ErrNotLoaded)
	assert.ErrorIs(t, h.inst.Reload(ctx), errors.ErrNotLoaded)
	assert.ErrorIs(t, h.inst.WriteBytes(ctx, "player.hp", []byte{1}, nil), errors.ErrNotLoaded)
	assert.Nil(t, h.inst.Properties())
	assert.Nil(t, h.inst.Blocks())
	assert.Equal(t, instance.StateUnloaded, h.inst.State())
	assert.True(t, h.inst.Status().IsDegraded())
}

func TestProperty_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())

	_, err := h.inst.Property("player.mp")
	assert.ErrorIs(t, err, errors.ErrPropertyNotFound)
	assert.ErrorIs(t, h.inst.Unfreeze(context.Background(), "player.mp"), errors.ErrPropertyNotFound)
}

func TestUnload_StopsPolling(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())
	h.waitForReads(t, 2)

	h.inst.Unload(context.Background())
	assert.Equal(t, instance.StateUnloaded, h.inst.State())

	reads := h.drv.Reads()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, reads, h.drv.Reads())
	assert.Zero(t, h.inst.PollStatus().Iterations)
}

func TestWriteValue_FreezeRewritesMemory(t *testing.T) {
	h := newHarness(t, testConfig())
	h.drv.Set(0xD16C, 0x00, 0x05)
	h.load(t, "game", gbMapper())
	ctx := context.Background()

	freeze := true
	require.NoError(t, h.inst.WriteValue(ctx, "player.hp", 500, &freeze))
	assert.Equal(t, []string{"player.hp"}, h.notifier.Frozen())

	snap, err := h.inst.Property("player.hp")
	require.NoError(t, err)
	assert.True(t, snap.Frozen)

	// the game overwrites the value
	writes := len(h.drv.Writes())
	h.drv.Set(0xD16C, 0x00, 0x01)
	memtest.WaitFor(t, waitTimeout, func() bool { return len(h.drv.Writes()) > writes }, "frozen rewrite")
	h.waitForReads(t, 2)
	assert.Equal(t, []byte{0x01, 0xF4}, h.drv.Get(0xD16C, 2))

	require.NoError(t, h.inst.Unfreeze(ctx, "player.hp"))
	assert.Equal(t, []string{"player.hp"}, h.notifier.Unfrozen())

	core := h.registry.CoreMetrics()
	assert.GreaterOrEqual(t, testutil.ToFloat64(core.FieldRewrites), 1.0)
}

func TestWriteBytes_RoutesToField(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())

	require.NoError(t, h.inst.WriteBytes(context.Background(), "audio.channel", []byte{0x7F}, nil))
	assert.Equal(t, []memtest.Write{{Address: 0xFF80, Data: []byte{0x7F}}}, h.drv.Writes())

	err := h.inst.WriteBytes(context.Background(), "audio.channel", []byte{0x01, 0x02}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestWriteBytes_UnloadWaitsForWriteInFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())

	entered := make(chan struct{})
	release := make(chan struct{})
	h.drv.OnWrite(func(uint32) {
		close(entered)
		<-release
	})

	written := make(chan error, 1)
	go func() {
		written <- h.inst.WriteBytes(context.Background(), "audio.channel", []byte{0x7F}, nil)
	}()
	<-entered

	unloaded := make(chan struct{})
	go func() {
		h.inst.Unload(context.Background())
		close(unloaded)
	}()

	select {
	case <-unloaded:
		t.Fatal("Unload returned while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	h.drv.OnWrite(nil)
	close(release)
	require.NoError(t, <-written)
	select {
	case <-unloaded:
	case <-time.After(waitTimeout):
		t.Fatal("Unload did not finish")
	}

	err := h.inst.WriteBytes(context.Background(), "audio.channel", []byte{0x01}, nil)
	assert.ErrorIs(t, err, errors.ErrNotLoaded)
	assert.Equal(t, []memtest.Write{{Address: 0xFF80, Data: []byte{0x7F}}}, h.drv.Writes())
}

func TestDriverTimeouts_NotifyAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.DriverTimeoutThreshold = 3
	h := newHarness(t, cfg)
	h.load(t, "game", gbMapper())

	before := h.drv.Reads()
	h.drv.SetReadError(&errors.DriverTimeoutError{Address: 0xD000, Driver: "fake"})

	memtest.WaitFor(t, waitTimeout, func() bool { return len(h.notifier.Problems()) > 0 }, "timeout problem")
	assert.GreaterOrEqual(t, h.drv.Reads()-before, 3)

	problem := h.notifier.Problems()[0]
	assert.Equal(t, notify.TitleDriverTimeout, problem.Title)
	assert.Equal(t, "fake", problem.Driver)
	assert.Equal(t, errors.KindDriverTimeout.String(), problem.Kind)
	require.NotNil(t, problem.Address)
	assert.Equal(t, uint32(0xD000), *problem.Address)

	assert.Equal(t, errors.KindDriverTimeout, h.inst.PollStatus().Kind)
	assert.True(t, h.inst.Status().IsUnhealthy())

	driverHealth, ok := h.monitor.Get(health.ComponentDriver)
	require.True(t, ok)
	assert.True(t, driverHealth.IsUnhealthy())

	// recovery
	h.drv.SetReadError(nil)
	memtest.WaitFor(t, waitTimeout, func() bool { return h.inst.Status().IsHealthy() }, "recovered")
}

func TestDriverErrors_Throttled(t *testing.T) {
	cfg := testConfig()
	cfg.DriverErrorInterval = time.Hour
	h := newHarness(t, cfg)
	h.load(t, "game", gbMapper())

	h.drv.SetReadError(fmt.Errorf("%w: socket closed", errors.ErrDriverDisconnected))
	h.waitForReads(t, 10)

	problems := h.notifier.Problems()
	require.Len(t, problems, 1)
	assert.Equal(t, notify.TitleDriverError, problems[0].Title)
	assert.Nil(t, problems[0].Address)
	assert.Equal(t, errors.KindDriverDisconnected, h.inst.PollStatus().Kind)
}

func TestDecodeFailure_Degrades(t *testing.T) {
	h := newHarness(t, testConfig())
	h.drv.Set(0xD347, 0x1A)
	h.load(t, "game", memtest.NewMapper("GB",
		memtest.Field("player.hp", codec.Uint, 0xD16C, 2),
		memtest.Field("player.money", codec.BinaryCodedDecimal, 0xD347, 1),
	))

	h.waitForReads(t, 2)
	ps := h.inst.PollStatus()
	assert.Equal(t, errors.KindFieldDecodeFailure, ps.Kind)
	assert.Error(t, ps.Err)
	assert.True(t, h.inst.Status().IsDegraded())

	core := h.registry.CoreMetrics()
	assert.GreaterOrEqual(t, testutil.ToFloat64(core.FieldErrors.WithLabelValues("binaryCodedDecimal")), 1.0)

	// healthy fields still decode
	snap, err := h.inst.Property("player.hp")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Value)
}

func TestDataBlockField(t *testing.T) {
	const base = 0x02024284
	h := newHarness(t, testConfig())

	var plain [preprocessor.PayloadSize]byte
	for n := range plain {
		plain[n] = byte(n)
	}
	h.drv.Set(base, preprocessor.Encrypt(0x12345678, 0xCAFEBABE, plain)...)

	h.load(t, "emerald", memtest.NewMapper("GBA", mapper.FieldSpec{
		Path:         "party.0.species",
		Type:         codec.Uint,
		Size:         2,
		Preprocessor: "data_block_a245dcac(0x02024284, 1, 2)",
	}))

	blocks := h.inst.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "Partial EWRAM", blocks[0].Name)

	snap, err := h.inst.Property("party.0.species")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0F0E), snap.Value)
	require.NotNil(t, snap.Address)
	assert.Equal(t, uint32(base+16+14), *snap.Address)
}

func TestStatusAndMetrics(t *testing.T) {
	h := newHarness(t, testConfig())
	h.load(t, "game", gbMapper())
	h.waitForReads(t, 2)

	status := h.inst.Status()
	assert.True(t, status.IsHealthy())
	require.NotNil(t, status.Metrics)
	assert.Positive(t, status.Metrics.PollIterations)
	assert.False(t, h.inst.PollStatus().LastRead.IsZero())

	healthy, body := h.inst.HealthCheck()
	assert.True(t, healthy)
	agg, ok := body.(health.Status)
	require.True(t, ok)
	assert.Equal(t, "memhook", agg.Component)

	core := h.registry.CoreMetrics()
	assert.Equal(t, float64(instance.StateRunning), testutil.ToFloat64(core.InstanceState))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.MapperLoads.WithLabelValues("success")))
	assert.Positive(t, testutil.ToFloat64(core.PollIterations.WithLabelValues(errors.KindOK.String())))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unloaded", instance.StateUnloaded.String())
	assert.Equal(t, "loading", instance.StateLoading.String())
	assert.Equal(t, "running", instance.StateRunning.String())
	assert.Equal(t, "unknown", instance.State(9).String())
}

func TestWithDispatcher(t *testing.T) {
	rec := memtest.NewRecordingNotifier()
	d := notify.NewDispatcher(notify.DispatcherDeps{Sinks: []notify.ClientNotifier{rec}})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	loader := memtest.NewStaticLoader()
	loader.Add("game", gbMapper())
	drv := memtest.NewFakeDriver()

	inst, err := instance.New(instance.Deps{Config: testConfig(), Loader: loader, Notifier: d})
	require.NoError(t, err)
	require.NoError(t, inst.Load(context.Background(), drv, "game"))

	drv.Set(0xFF80, 0x09)
	memtest.WaitFor(t, waitTimeout, func() bool { return len(rec.ChangesFor("audio.channel")) == 1 }, "change via dispatcher")

	// unloading drains the queue
	inst.Unload(context.Background())
	assert.Equal(t, []string{notify.EventMapperLoading, notify.EventMapperLoaded, notify.EventPropertyChanged}, rec.Events())
}
