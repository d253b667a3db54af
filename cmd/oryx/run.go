package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pythops/oryx-sub000/internal/abi"
	"github.com/pythops/oryx-sub000/internal/bandwidth"
	"github.com/pythops/oryx-sub000/internal/capture"
	"github.com/pythops/oryx-sub000/internal/config"
	"github.com/pythops/oryx-sub000/internal/eventbus"
	"github.com/pythops/oryx-sub000/internal/filterctl"
	"github.com/pythops/oryx-sub000/internal/fuzzyindex"
	"github.com/pythops/oryx-sub000/internal/kernel"
	"github.com/pythops/oryx-sub000/internal/obs"
	"github.com/pythops/oryx-sub000/internal/pidresolver"
	"github.com/pythops/oryx-sub000/internal/stats"
	"github.com/pythops/oryx-sub000/internal/store"
	"github.com/pythops/oryx-sub000/internal/threat"
)

// rootCgroup is the cgroup the socket-connect observer attaches to;
// attaching at the root observes every process on the host, matching
// spec.md §4.9's host-wide PID-resolution coverage.
const rootCgroup = "/sys/fs/cgroup"

type runArgs struct {
	interfaceName string
	transport     []string
	network       []string
	link          []string
	direction     []string
}

// run wires every component in this order: the filter controller's
// initial state and the persisted firewall rules, kernel attachment, a
// ring reader into the packet store and a filter-signal consumer for each
// active direction, the enabled persisted rules as blocklist signals, the
// background projections that read the store, then PID resolution off the
// socket-connect observer.
func run(args runArgs) error {
	log := newLogger()

	if err := requireRoot(); err != nil {
		return err
	}

	cfg, err := config.Resolve(args.interfaceName, args.transport, args.network, args.link, args.direction)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	packetStore := store.New()

	bus := eventbus.New(log)
	go bus.Run()
	defer bus.Stop()

	reporter := obs.NewReporter(log, bus)

	fc := filterctl.New(log)
	fc.Propose(initialFilterState(cfg))
	fc.Apply()

	rules := loadPersistedRules(log)
	defer savePersistedRules(log, rules)

	loader, err := kernel.LoadAndAttach(ctx, cfg.Interface, log)
	if err != nil {
		return fmt.Errorf("attach kernel classifier on %s: %w", cfg.Interface, err)
	}
	defer loader.Close()

	activeDirections := make(map[abi.Direction]bool, abi.NumDirection)
	for _, dir := range cfg.Direction {
		activeDirections[dir] = true
	}
	for _, dir := range abi.AllDirections() {
		if !activeDirections[dir] {
			fc.SetDirection(dir, false)
			continue
		}

		rr := capture.NewRingReader(loader.Ring(dir), dir, packetStore, log)
		go rr.Run()
		defer rr.Stop()

		go runFilterConsumer(ctx, fc, dir, loader, reporter)
	}

	for _, r := range rules {
		if r.Enabled {
			fc.InsertBlock(r.IP, r.Port, r.AllPort)
		}
	}

	fi := fuzzyindex.New(packetStore)
	go fi.Run()
	defer fi.Stop()

	sa := stats.New(packetStore)
	go sa.Run()
	defer sa.Stop()

	bw := bandwidth.New()
	go bw.Run()
	defer bw.Stop()

	td := threat.New(packetStore)
	go td.Run()
	defer td.Stop()

	pr := pidresolver.New()
	if observer, err := kernel.AttachSockConnect(ctx, rootCgroup, log); err != nil {
		reporter.Report("socket-connect observer", err)
	} else {
		defer observer.Close()
		go pr.Run(ctx, observer.Events(ctx))
	}

	log.WithField("interface", cfg.Interface).Info("oryx started")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// runFilterConsumer is the kernel-loader-side half of FilterController:
// it translates signals into map writes until its direction's
// termination flag is observed (spec.md §4.4).
func runFilterConsumer(ctx context.Context, fc *filterctl.FilterController, dir abi.Direction, loader *kernel.Loader, reporter *obs.Reporter) {
	filterCh := fc.FilterChannel(dir)
	blockCh := fc.BlocklistChannel(dir)
	terminate := fc.TerminationFlag(dir)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-filterCh:
			reporter.Report("filterctl: apply filter signal", filterctl.ApplyFilterSignal(loader.Filters, sig))
		case sig := <-blockCh:
			reporter.Report("filterctl: apply blocklist signal", filterctl.ApplyBlocklistSignal(loader.Blocklists, sig))
		}
		if terminate.Load() {
			return
		}
	}
}

// loadPersistedRules reads any firewall rules saved by a prior run
// (spec.md §6's optional `{ip, port, enabled}` serialization). A missing
// file yields no rules rather than an error, matching a fresh install.
func loadPersistedRules(log logrus.FieldLogger) []filterctl.Rule {
	path, err := filterctl.DefaultRulesPath()
	if err != nil {
		log.WithError(err).Warn("filterctl: resolve rules path")
		return nil
	}
	rules, err := filterctl.LoadRules(path)
	if err != nil {
		log.WithError(err).Warn("filterctl: load persisted firewall rules")
		return nil
	}
	if len(rules) > 0 {
		log.WithField("count", len(rules)).Info("filterctl: loaded persisted firewall rules")
	}
	return rules
}

// savePersistedRules writes rules back to the default path on shutdown,
// so the next run's loadPersistedRules sees the same blocklist it
// started with.
func savePersistedRules(log logrus.FieldLogger, rules []filterctl.Rule) {
	if rules == nil {
		return
	}
	path, err := filterctl.DefaultRulesPath()
	if err != nil {
		log.WithError(err).Warn("filterctl: resolve rules path")
		return
	}
	if err := filterctl.SaveRules(path, rules); err != nil {
		log.WithError(err).Warn("filterctl: save firewall rules")
	}
}

// initialFilterState builds the FilterController's starting selected
// state from the resolved CLI flags: every protocol/direction named is
// enabled, everything else starts disabled.
func initialFilterState(cfg config.Config) filterctl.FilterState {
	var st filterctl.FilterState

	transport := make(map[abi.TransportProtocol]bool, len(cfg.Transport))
	for _, p := range cfg.Transport {
		transport[p] = true
	}
	for _, p := range abi.AllTransportProtocols() {
		st.Transport[p] = transport[p]
	}

	network := make(map[abi.NetworkProtocol]bool, len(cfg.Network))
	for _, p := range cfg.Network {
		network[p] = true
	}
	for _, p := range abi.AllNetworkProtocols() {
		st.Network[p] = network[p]
	}

	link := make(map[abi.LinkProtocol]bool, len(cfg.Link))
	for _, p := range cfg.Link {
		link[p] = true
	}
	for _, p := range abi.AllLinkProtocols() {
		st.Link[p] = link[p]
	}

	direction := make(map[abi.Direction]bool, len(cfg.Direction))
	for _, d := range cfg.Direction {
		direction[d] = true
	}
	for _, d := range abi.AllDirections() {
		st.Direction[d] = direction[d]
	}

	return st
}
