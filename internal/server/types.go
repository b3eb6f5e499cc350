// Package server defines the events and message types exchanged between the
// hub, user sessions and the balancer uplink.
package server

import "errors"

// Event names on user and balancer connections.
const (
	EventLogin         = "login"
	EventLoginError    = "login error"
	EventChatMessage   = "chat msg"
	EventStatus        = "status"
	EventServerAddress = "serverAddress"
)

var (
	// ErrLoginTaken is returned when a nickname is already used on this instance.
	ErrLoginTaken = errors.New("login already in use")

	// ErrNotLoggedIn is returned for chat messages sent before logging in.
	ErrNotLoggedIn = errors.New("session has not logged in")

	// ErrUplinkDown is returned when the balancer connection is not established.
	ErrUplinkDown = errors.New("balancer uplink is not connected")
)

// Forwarder sends private messages towards the balancer.
type Forwarder interface {
	Forward(text string) error
}

// BroadcastMessage is an event for every local session except Sender.
type BroadcastMessage struct {
	Sender *Session
	Event  string
	Data   string
}

type loginRequest struct {
	session *Session
	nick    string
	reply   chan error
}

type chatRequest struct {
	session *Session
	text    string
}
