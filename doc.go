// Package nowlink implements peer discovery and liveness for small nodes
// sharing a connectionless broadcast radio.
//
// Each node runs an Engine holding a bounded table of linked peers. A node
// discovers peers with Locate, which broadcasts a probe and links every node
// that answers within the locate window. Status probes every linked peer and
// prunes the ones that stay silent for the status window.
//
// The radio is abstracted by the Transport interface. Delivery is best
// effort, so the protocol never reports lost or corrupt frames: the absence
// of an expected reply once a window has passed is the only failure signal.
// ListenUDP provides a Transport over UDP broadcast on a local network.
//
// An Engine is safe for concurrent use. Locate and Status block the caller
// for their full window and are serialized with one another.
package nowlink
