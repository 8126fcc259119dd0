// Package netio provides the UDP socket transport BVLC gateways send and
// receive datagrams over: broadcast sockets for BACnet/IPv4 (port 47808)
// and multicast sockets for BACnet/IPv6 (the FF0X::BAC0 group), built on
// golang.org/x/sys/unix socket options.
package netio
