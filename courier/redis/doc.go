// Package redis provides the Redis/Valkey client and the distributed lock that
// keeps each scheduled courier job single-flight across a deployment.
//
// Standalone, sentinel and cluster topologies are supported, with optional TLS
// and a static password.
package redis
