package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// signHeartbeat computes HMAC-SHA256(secret, nodeID||timestampMs), matching
// dispatch.NodeServer.verifyHMAC byte for byte.
func signHeartbeat(secret []byte, nodeID [16]byte, timestampMs int64) [32]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nodeID[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestampMs))
	mac.Write(tsBuf[:])

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
