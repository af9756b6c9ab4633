// Package proto encapsulates the frame format spoken between nowlink nodes, as
// well as the functions for writing frames to and reading them off the radio.
//
// Every frame is exactly FrameSize bytes:
//
//	byte 0      version (Version)
//	byte 1      sender id
//	byte 2      destination id (BroadcastID for everyone)
//	byte 3      checksum: sum mod 256 of every other byte
//	byte 4      message type (LOCATE, LINK or STATUS)
//	byte 5      correlation id
//	bytes 6-151 reserved, zero
//
// The link handshake between I, a node looking for peers, and R, a node in
// range of it, is the following:
//
// I broadcasts 'LOCATE{corr: c}'
// R reserves a provisional slot for I and sends 'LINK{dest: I, corr: c}'
// I confirms R in its table and sends 'LINK{dest: R, corr: c}'
// R confirms its provisional slot for I
//
// There are two failure modes of interest here.
// 1. R's LINK is lost, or arrives after I's locate window closed.
// 2. I's LINK is lost, or arrives after R's reservation window closed.
//
// In the case of 1. R holds a provisional slot that is never confirmed; it is
// reclaimed once its reservation window passes. In the case of 2. I knows R
// but R does not know I; the next liveness sweep or locate round repairs that.
// No frame is ever acknowledged, so the absence of an expected reply is the
// only failure signal.
//
// Liveness is checked with STATUS frames: the sweeping node broadcasts one
// STATUS per known peer, all sharing a single correlation id, and every node
// answers a broadcast STATUS with a STATUS addressed to the sweeper carrying
// the same correlation id. A STATUS addressed to a node is always a reply.
package proto
