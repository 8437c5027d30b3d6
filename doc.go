// Package session manages one real-time audio/video session on top of a
// pluggable transport.
//
// A Manager drives the session lifecycle (initialize, join, publish, mute,
// leave) against a Provider and folds the transport's push events into a
// single SessionState snapshot. Consumers read that snapshot with State and
// react to changes through the Register*Handler functions. The folding step
// is available on its own as Reconcile, so event handling can be tested
// without a live transport.
//
// The rtc subpackage provides a Provider built on pion/webrtc and
// pion/mediadevices.
package session
