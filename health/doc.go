// Package health exposes service health over HTTP.
//
// A Registry holds the checks of every role in the process. Checks registered
// without roles, such as the transport check, are shared; the rest belong to
// the role that owns them. Mount serves one role's JSON report at /healthz and
// plain readiness and liveness probes at /readyz and /livez.
package health
