/*
Package transport maintains the persistent bidirectional channel to the
upstream coordinator.

Frames are JSON text over a websocket, authenticated with a bearer token
supplied fresh at every (re)connect. Inbound frames are delivered to the
supervisor in arrival order; outbound frames from all controllers are
serialized through one writer goroutine. Heartbeats go out every 30
seconds, and two silent intervals force a reconnect.

Reconnect backoff starts at one second and doubles to a one-minute cap.
Continuous failure past the 20-minute cutoff marks the client degraded and
notifies the supervisor once; controllers then self-terminate READY
instances with reason transport_lost. On each successful connect the
supervisor re-announces every advertised WD.
*/
package transport
