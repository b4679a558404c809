// Package timeouts defines shared timeout constants used across the node.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a peer node.
const GRPCDial = 2 * time.Second

// Forward caps a single forwarded command between nodes.
const Forward = 5 * time.Second

// Ask is the default bound for a client waiting on an aggregate reply.
const Ask = 10 * time.Second

// Saga is the default time an order may sit in an awaiting state.
const Saga = 30 * time.Second

// ExternalCall bounds a single payment gateway or carrier call.
const ExternalCall = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
