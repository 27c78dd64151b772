/*
Package storage persists instance lifecycle checkpoints in a small bbolt
database.

Instances live entirely within one daemon run; the journal exists so the
next run can tell which containers a crashed run left behind. An instance
that was never confirmed READY is considered lost and its container is
swept at startup; one that did reach READY is serving a remote user and
survives the restart untouched. Records are upserted at each durable
transition and deleted once the instance's resources are confirmed gone.
The configuration file, not this journal, remains the source of truth for
workspace deployments.
*/
package storage
