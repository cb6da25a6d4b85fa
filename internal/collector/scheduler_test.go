package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
	"modbus-gateway/internal/status"
)

type schedulerFixture struct {
	devices *staticDevices
	dialer  *fakeDialer
	table   *registers.Table
	store   *status.Store
	sched   *Scheduler
}

func newFixture(t *testing.T, mutate func(*Options)) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		devices: &staticDevices{},
		dialer:  newFakeDialer(),
		table:   registers.NewTable(100),
		store:   status.NewStore(),
	}
	opts := Options{
		Devices:  f.devices,
		Table:    f.table,
		Status:   f.store,
		Dialer:   f.dialer,
		Interval: 10 * time.Millisecond,
		Backoff:  10 * time.Millisecond,
		Ceiling:  time.Second,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewScheduler(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.sched = s
	return f
}

func TestNewSchedulerRequiresCollaborators(t *testing.T) {
	_, err := NewScheduler(Options{})
	require.Error(t, err)
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.add("scale1", newFakeDevice().set(ScaleSourceAddress, 500))
	f.dialer.add("oee1", newFakeDevice().set(OEESourceAddress, 1, 2, 3, 4))
	f.dialer.dialErr["pm-dead"] = errors.New("dial tcp 10.0.0.9:502: i/o timeout")
	f.devices.set(
		model.Device{Name: "scale1", Type: model.TypeScale, Offset: 0},
		model.Device{Name: "pm-dead", Type: model.TypePowerMeter, Offset: 1},
		model.Device{Name: "oee1", Type: model.TypeOEE, Offset: 27},
	)

	require.NoError(t, f.sched.RunCycle(context.Background()))

	snap := f.store.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, model.StatusOnline, snap["scale1"].Status)
	require.Equal(t, model.StatusOnline, snap["oee1"].Status)
	require.Equal(t, model.StatusOffline, snap["pm-dead"].Status)
	require.Contains(t, snap["pm-dead"].Error, "i/o timeout")

	words, _ := f.table.Read(0, 27)
	require.Equal(t, uint16(500), words[0])
	require.Equal(t, make([]uint16, 26), words[1:27], "offline device must not touch its span")
	require.True(t, f.dialer.allClosed())
}

func TestRunCyclePollsConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	var devices []model.Device
	for i, name := range []string{"a", "b", "c", "d"} {
		dev := newFakeDevice().set(ScaleSourceAddress, uint16(i))
		dev.delay = 150 * time.Millisecond
		f.dialer.add(name, dev)
		devices = append(devices, model.Device{Name: name, Type: model.TypeScale, Offset: i})
	}
	f.devices.set(devices...)

	started := time.Now()
	require.NoError(t, f.sched.RunCycle(context.Background()))
	require.Less(t, time.Since(started), 450*time.Millisecond)
	require.Equal(t, 4, f.store.Online())
}

func TestRunCycleEnforcesCeiling(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Ceiling = 50 * time.Millisecond })
	slow := newFakeDevice()
	slow.setFloat(2699, 10)
	slow.delay = 300 * time.Millisecond
	f.dialer.add("pm", slow)
	f.devices.set(model.Device{Name: "pm", Type: model.TypePowerMeter})

	// the client ignores ctx, so only the scheduler can cut the poll short
	started := time.Now()
	require.NoError(t, f.sched.RunCycle(context.Background()))
	require.Less(t, time.Since(started), 250*time.Millisecond)
	st, _ := f.store.Get("pm")
	require.Equal(t, model.StatusOffline, st.Status)
	require.Contains(t, st.Error, "deadline")
}

func TestRunCycleRecoversPollerPanic(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.dialer.add("boom", newFakeDevice())
	dev.panic = true
	f.devices.set(model.Device{Name: "boom", Type: model.TypeScale})

	require.NoError(t, f.sched.RunCycle(context.Background()))
	st, _ := f.store.Get("boom")
	require.Equal(t, model.StatusOffline, st.Status)
	require.Contains(t, st.Error, "panic")
}

func TestRunCycleUnknownTypeIsOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.devices.set(model.Device{Name: "x", Type: "thermostat"})
	require.NoError(t, f.sched.RunCycle(context.Background()))
	st, _ := f.store.Get("x")
	require.Equal(t, model.StatusOffline, st.Status)
}

func TestRunCycleDropsRemovedDevices(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.add("a", newFakeDevice())
	f.dialer.add("b", newFakeDevice())
	f.devices.set(model.Device{Name: "a", Type: model.TypeScale}, model.Device{Name: "b", Type: model.TypeScale, Offset: 1})
	require.NoError(t, f.sched.RunCycle(context.Background()))
	require.Len(t, f.store.Snapshot(), 2)

	f.devices.set(model.Device{Name: "a", Type: model.TypeScale})
	require.NoError(t, f.sched.RunCycle(context.Background()))
	_, ok := f.store.Get("b")
	require.False(t, ok)
}

func TestRunCycleReportsOrchestrationFault(t *testing.T) {
	f := newFixture(t, nil)
	f.devices.panics = 1
	err := f.sched.RunCycle(context.Background())
	require.ErrorContains(t, err, "scheduler fault")
}

func TestLoopSurvivesFaultsAndStops(t *testing.T) {
	var (
		mu      sync.Mutex
		results []string
	)
	f := newFixture(t, func(o *Options) {
		o.OnResult = func(d model.Device, st model.DeviceStatus) {
			mu.Lock()
			results = append(results, d.Name+":"+st.Status)
			mu.Unlock()
		}
	})
	f.dialer.add("s", newFakeDevice().set(ScaleSourceAddress, 9))
	f.devices.set(model.Device{Name: "s", Type: model.TypeScale})
	f.devices.panics = 2

	require.NoError(t, f.sched.Start(context.Background()))
	require.ErrorIs(t, f.sched.Start(context.Background()), ErrRunning)
	require.True(t, f.sched.Running())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	f.sched.Stop()
	require.False(t, f.sched.Running())

	mu.Lock()
	n := len(results)
	require.Equal(t, "s:online", results[0])
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, n, len(results), "no cycles after Stop")
	mu.Unlock()

	// idle again: can be restarted
	require.NoError(t, f.sched.Start(context.Background()))
	f.sched.Stop()
}

func TestStopLetsInFlightCycleFinish(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Interval = time.Hour })
	dev := f.dialer.add("slow", newFakeDevice().set(ScaleSourceAddress, 77))
	dev.delay = 150 * time.Millisecond
	f.devices.set(model.Device{Name: "slow", Type: model.TypeScale})

	require.NoError(t, f.sched.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	f.sched.Stop()

	st, ok := f.store.Get("slow")
	require.True(t, ok, "in-flight poll should have completed before Stop returned")
	require.Equal(t, model.StatusOnline, st.Status)
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	require.Eventually(t, f.sched.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
