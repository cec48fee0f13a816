// Package miniorb is the root package of a minimal CORBA-style Object
// Request Broker. It re-exports the entry points of the corba and giop
// packages.
package miniorb

import (
	"github.com/ifabos/miniorb/corba"
	"github.com/ifabos/miniorb/giop"
)

// Init initializes and returns a new ORB
func Init(opts ...corba.Option) (*corba.ORB, error) {
	return corba.Init(opts...)
}

// ParseIOR parses a stringified object reference
func ParseIOR(ior string) (*corba.ObjectRef, error) {
	return corba.ParseIOR(ior)
}

// Re-export important types from the corba package
type (
	// ORB represents the Object Request Broker
	ORB = corba.ORB

	// Server accepts connections for an ORB
	Server = corba.Server

	// Client sends requests and waits for their replies
	Client = corba.Client

	// Connection is one peer stream
	Connection = corba.Connection

	// ObjectRef represents a reference to a CORBA object
	ObjectRef = corba.ObjectRef

	ObjectID              = corba.ObjectID
	Servant               = corba.Servant
	DynamicImplementation = corba.DynamicImplementation
	ServerRequest         = corba.ServerRequest
	Handler               = corba.Handler
	Option                = corba.Option

	// Wire level types
	Message  = giop.Message
	Payload  = giop.Payload
	Encoding = giop.Encoding
)

// Payload encodings
const (
	EncodingCDR     = giop.EncodingCDR
	EncodingMsgpack = giop.EncodingMsgpack
)
