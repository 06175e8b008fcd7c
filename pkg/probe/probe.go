package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"proxy-quality-monitor/pkg/egress"
	"proxy-quality-monitor/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ErrNoTargets is returned when a run cannot obtain any target list at all:
// the directory refresh failed and no previously fetched list exists.
var ErrNoTargets = errors.New("no targets available")

// MeasurementStore persists probe results. Satisfied by *database.DB.
type MeasurementStore interface {
	SaveMeasurement(ctx context.Context, measurement *models.Measurement) error
}

// TargetSource supplies the egress ports and their target sets. Satisfied by
// *directory.Directory; the directory's group mapping is the single source of
// which ports exist, so a port is never probed without targets bound to it.
type TargetSource interface {
	Refresh(ctx context.Context) error
	Ports() []int
	TargetsForPort(port int) []string
	TargetCount() int
}

// Settings holds the probe parameters read once at engine construction.
type Settings struct {
	// TCP port probed on every target
	TargetPort int
	// Request path (default "/")
	Path string
	// Per-probe hard timeout in seconds
	TimeoutSec int
	// Concurrent probes per egress port
	Workers int
	// Measurement flavor stamped on every row
	MeasurementType string
}

// SettingsFromViper reads the probe.* config keys, applying defaults.
func SettingsFromViper() Settings {
	s := Settings{
		TargetPort:      viper.GetInt("probe.target_port"),
		Path:            viper.GetString("probe.path"),
		TimeoutSec:      viper.GetInt("probe.timeout_sec"),
		Workers:         viper.GetInt("probe.workers"),
		MeasurementType: "http",
	}
	if s.TargetPort <= 0 {
		s.TargetPort = 443
	}
	if s.TimeoutSec <= 0 {
		s.TimeoutSec = 10
	}
	if s.Workers <= 0 {
		s.Workers = 8
	}
	return s
}

// Engine probes every target bound to every configured egress port and
// persists one Measurement row per (target, port) attempt.
type Engine struct {
	targets  TargetSource
	egress   egress.Config
	store    MeasurementStore
	settings Settings
	logger   *slog.Logger
}

func NewEngine(targets TargetSource, egressCfg egress.Config, store MeasurementStore, settings Settings, logger *slog.Logger) *Engine {
	return &Engine{
		targets:  targets,
		egress:   egressCfg,
		store:    store,
		settings: settings,
		logger:   logger,
	}
}

// Run refreshes the target directory and probes all egress ports
// concurrently. A refresh failure is tolerated as long as a stale target list
// exists; without one the run fails with ErrNoTargets. Individual probe and
// store failures never abort the run.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.targets.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoTargets, err)
	}

	if e.targets.TargetCount() == 0 {
		e.logger.Warn("Directory refresh yielded no usable targets, skipping run")
		return nil
	}

	runID := uuid.New().String()
	ports := e.targets.Ports()
	e.logger.Debug("Starting measurement run",
		"runId", runID,
		"ports", ports,
		"targets", e.targets.TargetCount())

	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			e.probePort(ctx, runID, port)
		}(port)
	}
	wg.Wait()

	e.logger.Info("Measurement run complete", "runId", runID)
	return nil
}

func (e *Engine) probePort(ctx context.Context, runID string, port int) {
	targets := e.targets.TargetsForPort(port)
	if len(targets) == 0 {
		e.logger.Debug("No targets bound to egress port", "port", port)
		return
	}

	transport := e.egress.TransportURL(port)

	jobs := make(chan string, len(targets))
	results := make(chan models.Measurement, len(targets))

	workers := e.settings.Workers
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, &wg, runID, port, transport, jobs, results)
	}

	for _, target := range targets {
		jobs <- target
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var success, failure int
	var rttSum int64
	for m := range results {
		m := m
		if m.Status.IsSuccess() {
			success++
			if m.RttMs != nil {
				rttSum += *m.RttMs
			}
		} else {
			failure++
		}

		if err := e.store.SaveMeasurement(ctx, &m); err != nil {
			e.logger.Error("Failed to save measurement",
				"target", m.TargetHost,
				"port", port,
				"error", err)
		}
	}

	var avgRtt int64
	if success > 0 {
		avgRtt = rttSum / int64(success)
	}
	e.logger.Info("Port measurements complete",
		"port", port,
		"targets", len(targets),
		"success", success,
		"failure", failure,
		"avgRttMs", avgRtt)
}

func (e *Engine) worker(ctx context.Context, wg *sync.WaitGroup, runID string, port int, transport string, jobs <-chan string, results chan<- models.Measurement) {
	defer wg.Done()
	for target := range jobs {
		results <- e.probeTarget(ctx, runID, port, transport, target)
	}
}

func (e *Engine) probeTarget(ctx context.Context, runID string, port int, transport, target string) models.Measurement {
	url := targetURL(target, e.settings.TargetPort, e.settings.Path)

	res := Probe(ctx, url, Options{
		Transport:  transport,
		TimeoutSec: e.settings.TimeoutSec,
	})

	if !res.Status.IsSuccess() {
		e.logger.Debug("Probe failed",
			"target", target,
			"port", port,
			"status", res.Status,
			"error", res.ErrorMsg)
	}

	m := models.Measurement{
		RunID:           runID,
		TargetHost:      target,
		TargetPort:      e.settings.TargetPort,
		ProxyHost:       e.egress.Host,
		ProxyPort:       port,
		Status:          res.Status,
		ErrorMessage:    res.ErrorMsg,
		Message:         res.Message,
		MeasurementType: e.settings.MeasurementType,
	}
	// The RTT exists only when the measured request completed; an
	// unmeasured probe stores no value rather than a misleading zero.
	if res.HTTPStatus != 0 {
		rtt := res.RttMs
		m.RttMs = &rtt
	}
	return m
}

func targetURL(host string, port int, path string) string {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)), path)
}
