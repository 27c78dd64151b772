/*
Package admin serves the local administrative socket and provides the CLI
client for it.

Each advertised WD gets a Unix-domain socket at a well-known path under the
configuration directory. The protocol is single-line JSON requests answered
by single-line JSON replies; the monitor command switches the connection to
a one-way stream of daemon events. Every request is forwarded into the
relevant controller inbox and awaited under a bounded deadline (10 s by
default), after which the caller receives a timeout error rather than a
hung connection.

A socket file left behind by a crashed daemon is detected at startup by a
failed dial and removed; a dial that succeeds means another daemon is
already running, which is a startup error.
*/
package admin
