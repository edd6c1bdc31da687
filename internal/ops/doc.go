// Package ops serves the operational HTTP endpoints of `festbot serve`:
// /healthz (supervisor counters and schedule state), /metrics (Prometheus)
// and optionally /debug/pprof.
//
// The server runs under its own supervisor with a restart loop and never
// takes the bot down with it.
package ops
