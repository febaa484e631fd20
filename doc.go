/*
Package gretun implements a multi-tenant forward proxy data-plane. A single
listening port accepts both HTTP-proxy and SOCKS5 clients, demultiplexing on
the first byte of the connection. Clients are authenticated against a
Directory that supports both credential and source-IP-allowlist auth, checked
against an ACL, and tunneled to their resolved destination over an outbound
socket bound to a chosen local source IP.

Pipeline

Listener accepts a connection and hands it to ProtocolDemux, which peeks the
first byte to decide between HttpFrontEnd and Socks5FrontEnd. Both front ends
call into the same Directory and ACL, resolve the destination via Resolver,
and start a Tunnel once the outbound socket is connected.

Control plane

ControlSession maintains a persistent framed message stream with a central
server, from which it receives Directory/ACL updates and user-kill commands,
and to which it uploads periodic StatSnapshots collected by StatsScheduler
from StatsCore.

This example starts a single listener on all interfaces, port 8080, against
an empty (deny-all-but-admin-backdoor) directory:

	dir := gretun.NewDirectory()
	acl := gretun.NewDefaultACL()
	reg := gretun.NewConnectionRegistry()
	core := gretun.NewStatsCore()
	l := gretun.NewTCPListener("main", "0.0.0.0:8080", gretun.PipelineOptions{
		Directory: dir, ACL: acl, Registry: reg, Stats: core,
	})
	panic(l.Start())
*/
package gretun
