// Command vhostnet hosts virtio-net links over an in-process memory arena
// and drives them with a synthetic guest. It exists to smoke-test the device
// datapath end to end without a hypervisor: frames posted by the guest
// harness flow out through the configured backend and back into the guest's
// receive ring.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vhostnet/internal/config"
	"github.com/tinyrange/vhostnet/internal/guest"
	"github.com/tinyrange/vhostnet/internal/netsvc"
	"github.com/tinyrange/vhostnet/internal/virtio"
	"github.com/tinyrange/vhostnet/internal/vmm"
)

const defaultConfig = `
logging:
  level: info
memory:
  size: 64M
links:
  - name: demo
    backend:
      kind: loopback
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vhostnet: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config (default: built-in loopback demo)")
	interval := flag.Duration("interval", time.Second, "Delay between demo frames")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Parse([]byte(defaultConfig))
	}
	if err != nil {
		return err
	}

	log := logrus.New()
	if err := cfg.ConfigureLogger(log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := virtio.NewManager(log)
	defer mgr.Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, lc := range cfg.Links {
		lc := lc
		hold := vmm.NewMemoryHold(int(cfg.Memory.Size))

		client, err := buildClient(log, lc.Backend)
		if err != nil {
			return fmt.Errorf("link %q: %w", lc.Name, err)
		}

		link, err := mgr.CreateLink(virtio.LinkConfig{
			Name:       lc.Name,
			Hold:       hold,
			Client:     client,
			CopyPolicy: virtio.CopyPolicy(lc.TxCopy),
		})
		if err != nil {
			return fmt.Errorf("link %q: %w", lc.Name, err)
		}

		g.Go(func() error {
			return driveLink(ctx, log, link, hold, lc, *interval)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}

func buildClient(log *logrus.Logger, bc config.BackendConfig) (netsvc.Client, error) {
	switch bc.Kind {
	case "loopback":
		lb := netsvc.NewLoopback(netsvc.Capabilities{DeterministicReclaim: true})
		lb.Echo = true
		return lb, nil
	case "netstack":
		mac, err := net.ParseMAC(bc.MAC)
		if err != nil {
			return nil, err
		}
		return netsvc.NewGvisorClient(log, netsvc.GvisorConfig{
			MAC:       mac,
			Addr:      net.ParseIP(bc.Address).To4(),
			PrefixLen: bc.PrefixLen,
			Gateway:   net.ParseIP(bc.Gateway),
			MTU:       uint32(bc.MTU),
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
}

// driveLink plays the guest: it lays out both rings in the arena, brings the
// link up, and then ships one broadcast frame per interval, reporting what
// comes back on the receive ring.
func driveLink(ctx context.Context, log *logrus.Logger, link *virtio.Link,
	hold *vmm.MemoryHold, lc config.LinkConfig, interval time.Duration) error {

	mem := hold.Bytes()
	rxq, err := guest.NewQueue(mem, 0x1000, lc.QueueSize, 0x100000, 0x100000)
	if err != nil {
		return err
	}
	txq, err := guest.NewQueue(mem, 0x10000, lc.QueueSize, 0x200000, 0x100000)
	if err != nil {
		return err
	}

	features := link.SetFeatures(link.HostFeatures())
	log.WithField("link", lc.Name).WithField("features", fmt.Sprintf("%#x", features)).
		Info("negotiated")

	if err := link.RingInit(virtio.RXQueue, rxq.RingAddr(), rxq.Size()); err != nil {
		return err
	}
	if err := link.RingInit(virtio.TXQueue, txq.RingAddr(), txq.Size()); err != nil {
		return err
	}
	if err := link.RingKick(virtio.RXQueue); err != nil {
		return err
	}
	if err := link.RingKick(virtio.TXQueue); err != nil {
		return err
	}
	defer func() {
		_ = link.RingReset(context.Background(), virtio.TXQueue)
		_ = link.RingReset(context.Background(), virtio.RXQueue)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := uint32(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		rxq.Recycle()
		txq.Recycle()
		for i := 0; i < 8; i++ {
			if _, err := rxq.PostIn(2048); err != nil {
				return err
			}
		}
		if err := link.RingKick(virtio.RXQueue); err != nil {
			return err
		}

		// The device header rides in its own descriptor ahead of the frame.
		seq++
		if _, err := txq.PostOut(make([]byte, 10), demoFrame(seq)); err != nil {
			return err
		}
		if err := link.RingKick(virtio.TXQueue); err != nil {
			return err
		}

		if !waitUsed(ctx, link, txq, time.Second) {
			log.WithField("link", lc.Name).Warn("tx completion timed out")
			continue
		}

		if waitUsed(ctx, link, rxq, time.Second) {
			used := rxq.Used()
			total := 0
			for _, u := range used {
				total += int(u.Len)
			}
			log.WithField("link", lc.Name).WithField("seq", seq).
				WithField("bytes", total).Info("frame round trip")
		} else {
			log.WithField("link", lc.Name).WithField("seq", seq).Debug("no echo")
		}
	}
}

// demoFrame builds a minimal broadcast ethernet frame.
func demoFrame(seq uint32) []byte {
	eth := make([]byte, 60)
	copy(eth[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(eth[6:12], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	binary.BigEndian.PutUint16(eth[12:14], 0x88b5)
	binary.BigEndian.PutUint32(eth[14:18], seq)
	return eth
}

// waitUsed blocks until the queue's used index moves, using the link's
// polled interrupt channel as the wakeup source.
func waitUsed(ctx context.Context, link *virtio.Link, q *guest.Queue, timeout time.Duration) bool {
	start := q.UsedIdx()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if q.UsedIdx() != start {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return q.UsedIdx() != start
		case <-link.InterruptWake():
			for i := 0; i < 2; i++ {
				_ = link.ClearInterrupt(i)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
}
