/*
Package controller implements the per-WD instance lifecycle state machine,
the heart of the daemon.

Exactly one Controller exists per advertised workspace deployment. All of
its inputs converge on one inbox: upstream frames routed by the supervisor,
local admin commands, timer fires, tunnel-loss notices, and the completions
of its own worker goroutines. The Run loop processes one event to
completion before selecting the next, so no lock guards the instance state.

States and transitions:

	IDLE    --acquire-->  INIT
	INIT    --init_ok-->  READY
	INIT    --init_err--> INIT_FAIL --cleanup_done--> IDLE (lock the WD)
	READY   --release/expire/verify_fail/term_cmd--> TERMINATING
	TERMINATING --term_done--> TERMINATED --cleanup_done--> IDLE
	TERMINATING --term_err--> TERMINATED --cleanup_done--> IDLE (lock the WD)

Blocking sub-steps (container create and start, init-inside and terminate
commands, tunnel open) run in worker goroutines that post back into the
inbox, so a RELEASE arriving mid-INIT is seen as soon as the in-flight
sub-step finishes: the worker checks an abort flag between sub-steps, skips
the remaining init commands, and the controller proceeds straight to
TERMINATING. A fatal failure during INIT or TERMINATING locks the WD;
the lock is cleared only by an explicit unlock.

Two consecutive VERIFY failures (or immediate tunnel-child loss) escalate
to termination with reason verify_fail. Transport outage past the
reconnect cutoff terminates a READY instance with reason transport_lost.
*/
package controller
