/*
Package types defines the data model shared across hardshare components.

The central entities are the workspace deployment (WDeployment), a
persistently registered hardware configuration the daemon is willing to
host, and the Instance, a time-bounded allocation of one WD to a remote
user. A WD has at most one non-terminal instance at any instant; the
controller package enforces the transition table published here through
ValidTransition.

The package also carries the upstream wire frames (Frame and the Cmd*
constants), the capability-rule model, and the sentinel errors that name
every failure mode the daemon distinguishes. Keeping these in one leaf
package lets every other component reference them without import cycles.
*/
package types
