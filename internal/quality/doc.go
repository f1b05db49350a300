// Package quality turns peer transport statistics into a call quality tier.
//
// Step is the pure per-tick computation; Sampler drives it on a fixed
// cadence against a Source (a pion PeerConnection or reports pushed by a
// browser).
package quality
