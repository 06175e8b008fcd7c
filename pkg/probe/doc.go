/*
Package probe implements the latency probe engine. It fans out concurrent,
proxy-tunneled HTTP probes against every exit node bound to every configured
egress port and persists one normalized Measurement row per attempt.

Key Components:

  - Engine: Orchestrates one measurement run across all egress ports
  - Settings: Probe parameters read once at engine construction
  - Probe: Performs the warm-up-then-measure request pair for one target
  - MeasurementStore / TargetSource: Collaborator interfaces satisfied by the
    database layer and the target directory

Measurement Process:

1. Target Resolution:
  - Refreshes the directory; a failed fetch falls back to the previous
    target list, and only a run with no list at all fails (ErrNoTargets)
  - Reads the per-port target sets rebuilt by the directory

2. Fan-out:
  - All egress ports are probed concurrently
  - Within one port a bounded worker pool probes all targets concurrently
  - The run completes only when every dispatched probe has resolved

3. Probing:
  - Builds the per-port transport URL and dials through the stream dialer
  - Issues a warm-up request that is discarded, then measures the
    wall-clock time of a second steady-state request on the same
    connection; handshake and proxy negotiation never land in the RTT
  - One hard timeout spans the whole probe (default 10s)

4. Normalization:
  - HTTP [200,399] → success, [400,499] → proxy_rejected
  - Timeouts → timeout; connection-level failures → socket_error
  - Other transport errors → failed; setup errors → error

Failure Isolation:

A single target's failure never aborts a port batch, and a failed row write
is logged and skipped. Per-port summary counts (success, failure, average
RTT) are logged when each batch completes.

Usage Example:

	engine := probe.NewEngine(dir, egressCfg, db, probe.SettingsFromViper(), logger)
	if err := engine.Run(ctx); err != nil {
		// only ErrNoTargets reaches here
		log.Fatal(err)
	}
*/
package probe
