/*
Package rpc implements the message protocol between the supervisor and a worker process.

The transport is a single WebSocket connection carrying JSON messages. "Request" messages are sent supervisor->worker, and "response" messages are sent worker->supervisor. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The worker dials the supervisor's channel endpoint.
2. The supervisor sends an init request carrying the credentials, the resource locator, and the binding options.
3. The worker attempts to initialize the native object and sends exactly one init response with Connected and SpawnedPIDs.
4. The supervisor sends call requests, each with a unique ID. The worker executes them one at a time and answers each with a result or an error response carrying the same ID.
5. The supervisor sends a shutdown request. The worker releases the native object, closes the connection normally, and exits.

IDs are allocated by the Client starting at 1, increase monotonically, and are never reused for the lifetime of a Client.
Responses are correlated only by ID, never by arrival order.
*/
package rpc
