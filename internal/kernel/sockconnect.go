package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/pythops/oryx-sub000/internal/kernel/bpf"
)

// SockConnectObserver attaches a cgroup/connect4 program that emits the
// PID of every process performing an outbound IPv4 connect into a
// dedicated ring buffer (spec.md §2, §4.9). IPv6 connects are not
// observed. PidResolver consumes Events
// to know when to rebuild its connection-table join.
type SockConnectObserver struct {
	log  logrus.FieldLogger
	coll *ebpf.Collection
	link link.Link
	ring *ringbuf.Reader
}

// AttachSockConnect loads the observer program from the same embedded
// object as the classifier and attaches it to cgroupPath (typically the
// root cgroup, "/sys/fs/cgroup", to observe every process on the host).
func AttachSockConnect(ctx context.Context, cgroupPath string, log logrus.FieldLogger) (*SockConnectObserver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpf.ClassifierObject))
	if err != nil {
		return nil, fmt.Errorf("kernel: load embedded sock-connect object: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("kernel: instantiate sock-connect collection: %w", err)
	}

	prog, ok := coll.Programs["observe_connect"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("kernel: classifier object missing observe_connect program")
	}

	attached, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  ebpf.AttachCGroupInet4Connect,
		Program: prog,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("kernel: attach sock-connect observer to %s: %w", cgroupPath, err)
	}

	ringMap, ok := coll.Maps["pid_ring"]
	if !ok {
		attached.Close()
		coll.Close()
		return nil, fmt.Errorf("kernel: classifier object missing pid_ring map")
	}
	reader, err := ringbuf.NewReader(ringMap)
	if err != nil {
		attached.Close()
		coll.Close()
		return nil, fmt.Errorf("kernel: open pid ring reader: %w", err)
	}

	log.WithField("cgroup", cgroupPath).Info("sock-connect observer attached")
	return &SockConnectObserver{log: log, coll: coll, link: attached, ring: reader}, nil
}

// Events starts draining the PID ring buffer on a background goroutine
// and returns a channel of observed PIDs. The channel is closed once Close
// closes the ring, or once a canceled ctx is noticed; ctx is checked only
// when a blocking ring read returns or a PID is being delivered.
func (o *SockConnectObserver) Events(ctx context.Context) <-chan uint32 {
	out := make(chan uint32, 64)
	go func() {
		defer close(out)
		for {
			record, err := o.ring.Read()
			if err != nil {
				if ctx.Err() != nil || err == ringbuf.ErrClosed {
					return
				}
				o.log.WithError(err).Warn("sock-connect ring read failed")
				continue
			}
			if len(record.RawSample) < 4 {
				continue
			}
			pid := binary.LittleEndian.Uint32(record.RawSample[:4])
			select {
			case out <- pid:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close detaches the program and releases the ring reader.
func (o *SockConnectObserver) Close() error {
	var firstErr error
	if o.ring != nil {
		if err := o.ring.Close(); err != nil {
			firstErr = err
		}
	}
	if o.link != nil {
		if err := o.link.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.coll != nil {
		o.coll.Close()
	}
	return firstErr
}
