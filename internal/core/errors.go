// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and
// classify with errors.Is.
var (
	// Packet decoding errors
	ErrPacketTooShort      = errors.New("dmgmeter: packet too short")
	ErrUnsupportedProto    = errors.New("dmgmeter: unsupported protocol")
	ErrUnsupportedLinkType = errors.New("dmgmeter: unsupported link type")

	// IP reassembly errors
	ErrFragmentInvalid = errors.New("dmgmeter: invalid ip fragment")

	// Stream errors
	ErrStreamCorrupt = errors.New("dmgmeter: stream corrupt")

	// Lookup errors
	ErrNotFound = errors.New("dmgmeter: not found")

	// Decoder errors
	ErrDecoderNotFound = errors.New("dmgmeter: frame decoder not found")

	// Pipeline errors
	ErrPipelineStopped = errors.New("dmgmeter: pipeline stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("dmgmeter: invalid configuration")
)
