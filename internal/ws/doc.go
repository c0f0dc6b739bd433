// Package ws streams kernel channel traffic to WebSocket clients.
//
// Each connection is bound to one session: iopub output and status
// transitions flow to the client as they happen, and the client can submit
// execute and interrupt requests over the same connection.
//
// Message Types (Client → Server):
//   - execute: Run code on the kernel
//   - interrupt: Stop the running cell
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - connected: Session attached, includes current status
//   - iopub: A kernel iopub message (stream, display_data, status, ...)
//   - status: Session status transition
//   - execute_submitted: Request accepted, carries the message id
//   - execute_reply: Final reply for a submitted execution
//   - error: Error occurred
//
// Example Usage:
//
//	handler := ws.NewHandler(sessions, logger, metrics)
//	router.GET("/kernels/:id/channels", handler.HandleConnection)
package ws
