/*
Package log holds the daemon's zerolog root.

The root logger starts as a no-op so packages can log before the CLI has
parsed its flags; Setup replaces it once at process start with the chosen
level, format, and destination. Components never touch the root directly:
they take a tagged child from For, ForWD, or ForInstance and keep it for
their lifetime, so every entry carries where it came from.

Setting HARDSHARE_LOG in the environment forces debug output regardless
of the configured level. While it is set, the docker, docker-rootless and
podman backends pass it into the containers they create; lxd containers do
not receive it.
*/
package log
