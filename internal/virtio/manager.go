package virtio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/vhostnet/internal/netsvc"
	"github.com/tinyrange/vhostnet/internal/vmm"
)

// CopyPolicy decides whether transmit chains are handed to the network
// client zero-copy or copied up front.
type CopyPolicy string

const (
	// CopyAuto copies only when the client cannot promise to release
	// transmitted buffers in a timely, deterministic way. This is the
	// default.
	CopyAuto CopyPolicy = "auto"

	// CopyAlways copies every transmit. Completion is posted to the guest
	// immediately, trading throughput for independence from the client's
	// buffer lifetime. Useful when the client is backed by a device that
	// parks transmit buffers indefinitely.
	CopyAlways CopyPolicy = "always"

	// CopyNever trusts the client unconditionally and always transmits
	// zero-copy.
	CopyNever CopyPolicy = "never"
)

var (
	ErrLinkExists   = errors.New("link name already in use")
	ErrHoldReleased = errors.New("memory hold is being released")
)

// LinkConfig carries everything needed to create one link.
type LinkConfig struct {
	// Name identifies the link in logs and metric prefixes. Required,
	// unique per manager.
	Name string

	// Hold is the VM memory this link's rings and buffers live in. The
	// caller retains ownership; the link only signs leases against it.
	Hold vmm.Hold

	// Client is the network stack attachment. The link takes ownership and
	// closes it on deletion.
	Client netsvc.Client

	// Hook optionally filters traffic in both directions.
	Hook Hook

	// CopyPolicy selects the transmit copy strategy. Empty means CopyAuto.
	CopyPolicy CopyPolicy
}

// Manager owns every link and the shared state between them. All lifecycle
// operations go through it.
type Manager struct {
	log      *logrus.Logger
	registry metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc

	vlanPad []byte

	mu    sync.Mutex
	links map[string]*Link
}

func NewManager(log *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      log,
		registry: metrics.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		vlanPad:  make([]byte, vlanTagSize),
		links:    make(map[string]*Link),
	}
}

// Registry exposes the per-ring counters for export.
func (m *Manager) Registry() metrics.Registry { return m.registry }

// CreateLink builds a link, wires its receive callbacks into the client, and
// registers it under cfg.Name.
func (m *Manager) CreateLink(cfg LinkConfig) (*Link, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("link needs a name")
	}
	if cfg.Hold == nil || cfg.Client == nil {
		return nil, fmt.Errorf("link %q needs a memory hold and a network client", cfg.Name)
	}
	if cfg.Hold.ReleaseRequired() {
		return nil, ErrHoldReleased
	}

	policy := cfg.CopyPolicy
	if policy == "" {
		policy = CopyAuto
	}
	switch policy {
	case CopyAuto, CopyAlways, CopyNever:
	default:
		return nil, fmt.Errorf("unknown copy policy %q", policy)
	}

	caps := cfg.Client.Capabilities()

	taskCtx, taskCancel := context.WithCancel(m.ctx)
	l := &Link{
		log:        m.log,
		hold:       cfg.Hold,
		client:     cfg.Client,
		hook:       cfg.Hook,
		name:       cfg.Name,
		caps:       caps,
		featuresHW: hwFeatures(caps),
		forceTxCopy: policy == CopyAlways ||
			(policy == CopyAuto && !caps.DeterministicReclaim),
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		vlanPad:    m.vlanPad,
		pollCh:     make(chan struct{}, 1),
	}
	l.rings[RXQueue] = newVring(l, RXQueue, newRingStats(m.registry, cfg.Name+".rx"))
	l.rings[TXQueue] = newVring(l, TXQueue, newRingStats(m.registry, cfg.Name+".tx"))

	m.mu.Lock()
	if _, ok := m.links[cfg.Name]; ok {
		m.mu.Unlock()
		taskCancel()
		return nil, ErrLinkExists
	}
	m.links[cfg.Name] = l
	m.mu.Unlock()

	cfg.Client.SetReceivers(l.rxClassified, l.rxMulticast)

	m.log.WithField("link", cfg.Name).WithField("copy", l.forceTxCopy).
		Info("created link")
	return l, nil
}

// Link looks up a registered link by name.
func (m *Manager) Link(name string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	return l, ok
}

// DeleteLink stops and removes a link. Deleting a name that is absent (or
// already deleted) succeeds quietly.
func (m *Manager) DeleteLink(name string) error {
	m.mu.Lock()
	l, ok := m.links[name]
	delete(m.links, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := l.close()
	m.log.WithField("link", name).Info("deleted link")
	return err
}

// Close deletes every link and shuts the manager down.
func (m *Manager) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	m.mu.Unlock()

	var first error
	for _, name := range names {
		if err := m.DeleteLink(name); err != nil && first == nil {
			first = err
		}
	}
	m.cancel()
	return first
}
