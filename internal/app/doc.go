// Package app wires the client's components and exposes them as one
// explicit Client value.
//
// New builds the key store, session manager, dispatcher, outbound services
// and sync engine from Config. Commands and embedders hold the Client;
// nothing in the graph is global.
package app
