/*
Package events fans daemon occurrences out to `hardshare monitor`
clients.

Controllers and the supervisor publish instance transitions, transport
state changes, and camera lifecycle events; the admin server subscribes
per monitor connection and relays them as JSON lines. Delivery is inline
at publish time with no background goroutine, and a subscriber that falls
behind loses events instead of blocking the publisher.
*/
package events
