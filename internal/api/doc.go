// Package api provides the HTTP REST API and WebSocket server for the
// Insteon link service.
//
// It exposes the cached link tables, the fleet topology and on-demand
// loads to the admin UI, and streams table changes over WebSocket.
//
//	GET  /api/v1/health
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{address}
//	GET  /api/v1/devices/{address}/records?group=&direction=&peer=
//	POST /api/v1/devices/{address}/load?refresh=true
//	GET  /api/v1/links?controller=&group=
//	GET  /api/v1/groups/{group}/devices
//	GET  /api/v1/ws?token=
//
// Every route except health requires a bearer JWT signed with the
// configured secret when one is set.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
