// Package server hosts the Fiber HTTP service, the request middleware chain
// and the scope registry that maps the Host header of an intercepted request
// to the portal origin or to one of the allowed cross-origin hosts. Paths under
// /-/ bypass interception and are served by the diagnostics routes.
package server
