// Package server implements a chat server instance of the distributed chat.
//
// An Instance owns the sessions of the users connected to it and a single
// persistent uplink to the balancer. Ordinary messages are broadcast to the
// other local sessions. Messages of the form `login@server body` are private:
// the instance never contacts another instance directly, it hands them to
// the balancer, which forwards them to the instance named in the address.
// That instance delivers the message to the one local session whose login
// matches.
//
// The implementation is organized into specialized files for the hub,
// sessions, the uplink, routing, and HTTP handlers.
package server
