/*
Package supervisor wires the daemon together.

One Supervisor owns the process: it loads the configuration, opens the
instance journal, reaps resources a previous run left behind, starts the
upstream transport, binds one admin socket per advertised WD, and runs one
controller per WD. Inbound frames route by WD id into controller inboxes;
admin commands either forward into the same inboxes (status, lock, unlock,
terminate-instance) or are served process-wide (stop-ad, reload-config,
attach-camera, stop-cameras).

Shutdown propagates one cancellation: controllers gracefully terminate
READY instances, the tunnel manager closes surviving children, admin
sockets unbind, and the transport disconnects, the reverse of bring-up.
*/
package supervisor
