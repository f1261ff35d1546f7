/*
Package worker is the disposable process that hosts one native automation object for one connection attempt.

The native binding is unsafe to host in a long-running process: initialization can block forever, leak native handles, or start endpoint processes that nobody controls. So each attempt gets its own worker, which the supervisor can kill without ceremony.

A worker dials the supervisor's channel endpoint, waits for the init request, initializes the object, reports the endpoint processes that appeared while it did so, and then serves call requests one at a time until it receives shutdown. See package rpc for the message protocol.
*/
package worker
