// Package sending is a publish/subscribe session layer for asynchronous
// applications. Independent consumers subscribe to named topics through
// per-session handles and receive published messages in their own FIFO
// inboxes, with two isolation levels and pluggable delivery backends.
//
// Layers & Roles
//
//	Manager  -> registry of sessions and topic interest; publish entry point
//	Session  -> subscriber handle: inbox + subscription set + isolation flag
//	Router   -> per-publish fan-out over the topic index
//	Backend  -> transport adapter bridging local routing to an external medium
//
// # Isolation
//
// Shared sessions receive every message for topics they subscribe to, from
// any publisher. Detached sessions only ever loop back their own publishes;
// they are excluded from broadcast and backend-injected traffic. By default
// a shared session does not receive its own publishes either; WithEcho
// flips that policy manager-wide.
//
// # Backends
//
// The manager opens one backend subscription per topic with local interest
// and re-injects inbound deliveries as origin-less messages. Adapters live
// under backend/: memory (no-op stub), gochannel (in-process Watermill
// bus), redis (Redis Pub/Sub), nats (NATS subjects), and websocket
// (kernel-gateway style relay). Transport failures are retried inside the
// bridge; local delivery never depends on the external medium.
//
// # Guarantees
//
// Per-inbox FIFO only: there is no total order across sessions or across
// racing publishers. This is not a durable broker; there is no persistence
// and no redelivery.
//
// Example:
//
//	m := sending.New(memory.New())
//	defer m.Close()
//
//	sess, _ := m.CreateSession()
//	_ = sess.Subscribe("news")
//
//	_ = m.Publish(ctx, "news", []byte(`{"headline":"x"}`))
//	msg, _ := sess.Receive(ctx)
package sending
