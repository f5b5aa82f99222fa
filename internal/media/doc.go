// Package media defines the packet, frame, and stream descriptors shared by
// the playback engine, its queues, and the container and decoder adapters.
//
// Timestamps on packets stay in stream time-base units until a consumer
// needs wall-clock milliseconds; Rational handles the conversion against the
// stream's start time.
package media
