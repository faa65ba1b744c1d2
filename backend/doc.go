// Package backend defines the pluggable transport contract the sending
// manager uses to bridge local topic routing to an external pub/sub medium.
//
// Implementations
//
//	memory    : no-op stub for single-process deployments and tests
//	gochannel : Watermill GoChannel bus bridging managers within one process
//	redis     : Redis Pub/Sub channels via go-redis
//	nats      : NATS subjects via nats.go
//	websocket : kernel-gateway style relay over a single WebSocket connection
//
// Adapters never see session or isolation semantics; the manager owns the
// wire envelope and injects inbound deliveries back into its own routing.
// The backendtest package provides a conformance suite that any bridging
// adapter must pass.
package backend
