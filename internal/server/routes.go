// Package server wires HTTP handlers into a ServeMux for a chat server
// instance via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all instance routes:
// the chat page (also probed by the balancer), the user websocket endpoint
// and a health check.
func (i *Instance) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", i.ChatPageHandler)
	mux.HandleFunc("/ws", i.WebSocketHandler)
	mux.HandleFunc("/health", HealthHandler)
	return mux
}
