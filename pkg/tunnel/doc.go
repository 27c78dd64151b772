/*
Package tunnel launches and supervises the SSH reverse-tunnel children
that make local containers reachable through the upstream gateway.

Each tunnel is an outbound ssh process holding one remote forward from the
hub's bind port to the container's SSH endpoint. Liveness is process
existence only; the upstream confirms end-to-end reachability. A child
that exits before Close is reported to the owning controller as a
TunnelLost event. Close sends SIGINT and escalates to SIGKILL after a
short grace period.
*/
package tunnel
