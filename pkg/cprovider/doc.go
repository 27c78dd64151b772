/*
Package cprovider adapts the pluggable container backends behind one
capability set: create, start, stop, remove, exec-inside, healthy.

The docker, docker-rootless, and podman variants share a CLI translation
that differs only in executable name, in whether container SSH is
published on a host-local port, and in whether CAP_SYS_CHROOT is added. The lxd variant translates to lxc. The
proxy variant creates no container at all: it runs the WD's proxy program
and returns a sentinel handle for the forwarded port.

Every backend accepts a context bounding the CLI invocation, and maps the
provider's failure text onto the daemon's error kinds (ProviderMissing,
ImagePullRequired, DeviceMissing, or a generic ProviderError carrying the
captured stderr). The instance controller depends only on the Provider
interface, so tests substitute a fake.
*/
package cprovider
