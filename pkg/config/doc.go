/*
Package config owns the on-disk hardshare configuration.

The configuration lives under the per-user directory ~/.rerobots (or
HARDSHARE_CONFIG_DIR): main.yaml with the schema version, the registered
workspace deployments, and the tunnel SSH key path; a tokens/ directory
scanned for bearer credentials at every load; and ssh/ for the generated
tunnel keypair.

Store serializes access with a reader/writer gate. Persist is atomic:
marshal to a sibling temp file, fsync, rename over main.yaml, fsync the
containing directory, so a crashed write is never visible to the next
start. A file that exists but does not parse is ErrConfigCorrupt, and an
unknown version field is ErrSchemaUnsupported; both abort daemon startup.

Daemon tuning (endpoints, timeouts, backoff) comes from the environment
through envconfig; see Params.
*/
package config
