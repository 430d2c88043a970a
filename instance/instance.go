// Package instance runs one loaded mapper against one driver. Load reads the
// mapper, works out which memory blocks its fields live in and starts a poll
// loop that reads those blocks, decodes every field and tells clients about
// the values that changed.
//
// An Instance is either Unloaded, Loading or Running. Load, Unload and Reload
// are serialized; reads of field state and writes through fields may happen
// concurrently with polling.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/memhook/driver"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/health"
	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/metric"
	"github.com/c360/memhook/notify"
	"github.com/c360/memhook/platform"
	"github.com/c360/memhook/property"
)

// State is the lifecycle state of an Instance
type State int32

// Instance states
const (
	StateUnloaded State = iota
	StateLoading
	StateRunning
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Deps holds the collaborators of an Instance
type Deps struct {
	Config          Config
	Loader          mapper.Loader
	Notifier        notify.ClientNotifier   // optional
	MetricsRegistry *metric.MetricsRegistry // optional
	Health          *health.Monitor         // optional
	Logger          *slog.Logger            // optional
}

// flusher is implemented by notifiers that queue deliveries
type flusher interface {
	Flush(ctx context.Context) error
}

// session is everything built by one Load
type session struct {
	mapperID string
	driver   driver.Driver
	mapper   *mapper.Mapper
	schema   property.Schema
	fields   []*property.Field
	byPath   map[string]*property.Field
	blocks   []platform.MemoryAddressBlock
	bases    []uint32

	readyOnce sync.Once
	ready     chan struct{} // closed after the first successful read
	started   chan struct{} // closed once clients were told about the mapper

	initialized atomic.Bool

	// owned by the poll goroutine
	timeouts map[uint32]int
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// PollStatus describes the most recent poll iteration
type PollStatus struct {
	LastRead   time.Time   `json:"last_read"`
	Kind       errors.Kind `json:"-"`
	KindName   string      `json:"kind"`
	Err        error       `json:"-"`
	Iterations int64       `json:"iterations"`
}

// Instance polls emulator memory through a driver and decodes it with a mapper
type Instance struct {
	config   Config
	loader   mapper.Loader
	notifier notify.ClientNotifier
	metrics  *metric.Metrics
	health   *health.Monitor
	logger   *slog.Logger
	limiter  *rate.Limiter

	lifecycle sync.Mutex
	state     atomic.Int32

	mu      sync.RWMutex
	session *session
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statusMu sync.RWMutex
	status   PollStatus
}

// New creates an unloaded instance
func New(deps Deps) (*Instance, error) {
	if deps.Loader == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil mapper loader"), "Instance", "New", "loader validation")
	}

	cfg := deps.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "instance")
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	var metrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		metrics = deps.MetricsRegistry.CoreMetrics()
	}

	limit := rate.Inf
	if cfg.DriverErrorInterval > 0 {
		limit = rate.Every(cfg.DriverErrorInterval)
	}

	i := &Instance{
		config:   cfg,
		loader:   deps.Loader,
		notifier: notifier,
		metrics:  metrics,
		health:   deps.Health,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
	}
	i.setState(StateUnloaded)
	return i, nil
}

// State returns the current lifecycle state
func (i *Instance) State() State {
	return State(i.state.Load())
}

func (i *Instance) setState(s State) {
	i.state.Store(int32(s))
	if i.metrics != nil {
		i.metrics.RecordInstanceState(int(s))
	}
	if i.health != nil && s != StateRunning {
		i.health.Update(health.ComponentInstance, i.Status())
	}
}

// Load replaces whatever is loaded with the mapper identified by mapperID,
// read through drv. It returns once the first poll read succeeded, or fails
// and leaves the instance unloaded when that does not happen within the
// bootstrap timeout.
func (i *Instance) Load(ctx context.Context, drv driver.Driver, mapperID string) error {
	if drv == nil {
		return errors.WrapInvalid(fmt.Errorf("nil driver"), "Instance", "Load", "driver validation")
	}

	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	return i.load(ctx, drv, mapperID)
}

// Reload loads the current mapper again from the loader, keeping the driver
func (i *Instance) Reload(ctx context.Context) error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	i.mu.RLock()
	s := i.session
	i.mu.RUnlock()
	if s == nil {
		return errors.WrapInvalid(errors.ErrNotLoaded, "Instance", "Reload", "session check")
	}

	return i.load(ctx, s.driver, s.mapperID)
}

// Unload stops polling and clears all state
func (i *Instance) Unload(ctx context.Context) {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	i.reset(ctx)
}

func (i *Instance) load(ctx context.Context, drv driver.Driver, mapperID string) error {
	i.reset(ctx)
	i.setState(StateLoading)

	i.logger.Info("Loading mapper", "mapper", mapperID, "driver", drv.Name())
	if err := i.notifier.OnMapperLoading(ctx); err != nil {
		i.logger.Warn("Mapper loading notification failed", "error", err)
	}

	s, err := i.prepare(ctx, drv, mapperID)
	if err != nil {
		i.setState(StateUnloaded)
		i.loadFailed(mapperID, err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.mu.Lock()
	i.session = s
	i.cancel = cancel
	i.mu.Unlock()

	i.wg.Add(1)
	go i.run(loopCtx, s)

	if err := i.awaitBootstrap(ctx, s); err != nil {
		i.reset(ctx)
		i.loadFailed(mapperID, err)
		return err
	}

	s.initialized.Store(true)
	i.setState(StateRunning)
	if i.metrics != nil {
		i.metrics.RecordMapperLoad(true)
	}

	meta := s.mapper.Meta
	i.logger.Info("Mapper loaded",
		"mapper", mapperID,
		"game", meta.GameName,
		"platform", meta.Platform,
		"fields", len(s.fields),
		"blocks", len(s.blocks))

	if err := i.notifier.OnMapperLoaded(ctx, meta); err != nil {
		i.logger.Warn("Mapper loaded notification failed", "error", err)
	}
	close(s.started)
	return nil
}

func (i *Instance) loadFailed(mapperID string, err error) {
	if i.metrics != nil {
		i.metrics.RecordMapperLoad(false)
	}
	i.logger.Error("Failed to load mapper", "mapper", mapperID, "error", err)
}

// prepare loads the mapper and builds the fields and read plan
func (i *Instance) prepare(ctx context.Context, drv driver.Driver, mapperID string) (*session, error) {
	m, err := i.loader.Load(ctx, mapperID)
	if err != nil {
		return nil, errors.Wrap(err, "Instance", "Load", "load mapper")
	}

	opts, err := platform.Lookup(m.Meta.Platform)
	if err != nil {
		return nil, errors.Wrap(err, "Instance", "Load", "platform lookup")
	}

	s := &session{
		mapperID: mapperID,
		driver:   drv,
		mapper:   m,
		schema:   property.Schema{Platform: opts, Glossary: m.Glossary},
		fields:   make([]*property.Field, 0, len(m.Fields)),
		byPath:   make(map[string]*property.Field, len(m.Fields)),
		ready:    make(chan struct{}),
		started:  make(chan struct{}),
		timeouts: make(map[uint32]int),
	}

	deps := property.Deps{Driver: drv, Notifier: i.notifier, Logger: i.logger}
	for _, spec := range m.Fields {
		f, err := property.New(spec, deps)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Instance", "Load", "build field")
		}
		s.fields = append(s.fields, f)
		s.byPath[spec.Path] = f
	}

	s.blocks, s.bases = blocksToRead(opts, s.fields)
	return s, nil
}

// blocksToRead returns the platform ranges holding any static field address
// or data block base, in platform order, and the sorted data block bases.
func blocksToRead(opts platform.Options, fields []*property.Field) ([]platform.MemoryAddressBlock, []uint32) {
	needed := make(map[string]bool)
	var bases []uint32

	for _, f := range fields {
		addr, ok := f.DataBlockBase()
		if ok {
			if !slices.Contains(bases, addr) {
				bases = append(bases, addr)
			}
		} else {
			spec := f.Spec()
			if spec.Address == nil {
				continue
			}
			addr = *spec.Address
		}

		if block, ok := opts.BlockFor(addr); ok {
			needed[block.Name] = true
		}
	}

	blocks := make([]platform.MemoryAddressBlock, 0, len(needed))
	for _, block := range opts.Ranges {
		if needed[block.Name] {
			blocks = append(blocks, block)
		}
	}
	slices.Sort(bases)
	return blocks, bases
}

func (i *Instance) awaitBootstrap(ctx context.Context, s *session) error {
	timer := time.NewTimer(i.config.BootstrapTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Instance", "Load", "wait for first read")
	case <-timer.C:
	}

	cause := fmt.Errorf("no successful read within %s", i.config.BootstrapTimeout)
	if last := i.PollStatus().Err; last != nil {
		cause = fmt.Errorf("%s: %w", cause.Error(), last)
	}
	return errors.WrapTransient(cause, "Instance", "Load", "wait for first read")
}

// reset stops the poll loop, drains queued notifications and clears all
// state. Callers hold the lifecycle lock.
func (i *Instance) reset(ctx context.Context) {
	i.mu.Lock()
	cancel := i.cancel
	s := i.session
	i.cancel = nil
	i.session = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	i.wg.Wait()

	if f, ok := i.notifier.(flusher); ok && s != nil {
		flushCtx, done := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := f.Flush(flushCtx); err != nil {
			i.logger.Warn("Failed to drain notifications", "error", err)
		}
		done()
	}

	i.statusMu.Lock()
	i.status = PollStatus{}
	i.statusMu.Unlock()

	if s != nil {
		i.logger.Info("Mapper unloaded", "mapper", s.mapperID)
	}
	i.setState(StateUnloaded)
}

func (i *Instance) current() (*session, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.session == nil || !i.session.initialized.Load() {
		return nil, errors.WrapInvalid(errors.ErrNotLoaded, "Instance", "current", "session check")
	}
	return i.session, nil
}

// Meta returns the loaded mapper's metadata
func (i *Instance) Meta() (mapper.Meta, error) {
	s, err := i.current()
	if err != nil {
		return mapper.Meta{}, err
	}
	return s.mapper.Meta, nil
}

// Blocks returns the memory blocks read each poll
func (i *Instance) Blocks() []platform.MemoryAddressBlock {
	s, err := i.current()
	if err != nil {
		return nil
	}
	return slices.Clone(s.blocks)
}

// Property returns a snapshot of the field at path
func (i *Instance) Property(path string) (property.Snapshot, error) {
	f, _, err := i.field(path)
	if err != nil {
		return property.Snapshot{}, err
	}
	return f.Snapshot(), nil
}

// Properties returns snapshots of every field in mapper order
func (i *Instance) Properties() []property.Snapshot {
	s, err := i.current()
	if err != nil {
		return nil
	}
	out := make([]property.Snapshot, len(s.fields))
	for n, f := range s.fields {
		out[n] = f.Snapshot()
	}
	return out
}

// WriteBytes writes raw bytes to the field at path. See property.Field.WriteBytes
// for the freeze semantics.
func (i *Instance) WriteBytes(ctx context.Context, path string, data []byte, freeze *bool) error {
	return i.withField(path, func(f *property.Field, _ *session) error {
		return f.WriteBytes(ctx, data, freeze)
	})
}

// WriteValue encodes value for the field at path and writes it
func (i *Instance) WriteValue(ctx context.Context, path string, value any, freeze *bool) error {
	return i.withField(path, func(f *property.Field, s *session) error {
		return f.WriteValue(ctx, s.schema, value, freeze)
	})
}

// Unfreeze releases a frozen field without writing
func (i *Instance) Unfreeze(ctx context.Context, path string) error {
	return i.withField(path, func(f *property.Field, _ *session) error {
		f.Unfreeze(ctx)
		return nil
	})
}

// withField runs fn with the session read lock held, so reset waits for a
// write in flight and no write reaches the driver after the session is gone.
func (i *Instance) withField(path string, fn func(*property.Field, *session) error) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	f, err := lookup(i.session, path)
	if err != nil {
		return err
	}
	return fn(f, i.session)
}

func (i *Instance) field(path string) (*property.Field, *session, error) {
	i.mu.RLock()
	s := i.session
	i.mu.RUnlock()
	f, err := lookup(s, path)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

func lookup(s *session, path string) (*property.Field, error) {
	if s == nil || !s.initialized.Load() {
		return nil, errors.WrapInvalid(errors.ErrNotLoaded, "Instance", "field", "session check")
	}
	f, ok := s.byPath[path]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPropertyNotFound, path),
			"Instance", "field", "path lookup")
	}
	return f, nil
}

// PollStatus returns the outcome of the most recent poll iteration
func (i *Instance) PollStatus() PollStatus {
	i.statusMu.RLock()
	defer i.statusMu.RUnlock()
	return i.status
}

// Status reports instance health from its state and the last poll
func (i *Instance) Status() health.Status {
	switch i.State() {
	case StateUnloaded:
		return health.NewDegraded(health.ComponentInstance, "No mapper loaded")
	case StateLoading:
		return health.NewDegraded(health.ComponentInstance, "Loading mapper")
	}

	ps := i.PollStatus()
	status := health.FromKind(health.ComponentInstance, ps.Kind, ps.Err)
	return status.WithMetrics(&health.Metrics{
		PollIterations: ps.Iterations,
		LastActivity:   ps.LastRead,
	})
}

// HealthCheck adapts Status to metric.HealthFunc. With a health monitor the
// aggregate of every component is reported.
func (i *Instance) HealthCheck() (bool, any) {
	if i.health == nil {
		status := i.Status()
		return !status.IsUnhealthy(), status
	}
	agg := i.health.AggregateHealth("memhook")
	return !agg.IsUnhealthy(), agg
}
