/*
Package runtime implements the workload-executing side of the control
protocol: a control.Handler that runs tenant commands as local subprocesses
and streams their output back to the supervisor as events.

The exclusive run command fronts one long-lived workload per session; stdout
and stderr flow as chunked events while it runs and its exit code travels in
the response. The exec command is the non-exclusive buffered variant for short
commands such as probes.
*/
package runtime
