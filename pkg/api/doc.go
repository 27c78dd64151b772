/*
Package api is the CLI's one-shot HTTP client for the upstream service:
workspace deployment registration and dissolution, access-rule management,
add-on configuration, and camera registration. The daemon itself never
calls these endpoints; its only upstream connection is the persistent
transport.
*/
package api
