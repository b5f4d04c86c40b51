// Package server hosts the Fiber HTTP service and the request middleware
// chain that turns an incoming Host + request URI into a Target: the absolute
// URL the client asked for and whether it belongs to the application origin.
// It bootstraps Fiber, attaches recovery and request-id middleware, and hands
// every resolved request to a ProxyHandler supplied by the caller. Keep
// exports narrow and accept explicit dependencies.
package server
