package ingress

import "github.com/FumingPower3925/ingress/internal/fault"

// Kind classifies why a request was rejected. Every Kind is also an error
// usable with errors.Is.
type Kind = fault.Kind

// Rejection kinds.
const (
	FramingAmbiguity       = fault.FramingAmbiguity
	MalformedChunkSize     = fault.MalformedChunkSize
	MalformedChunkBoundary = fault.MalformedChunkBoundary
	ChunkTooLarge          = fault.ChunkTooLarge
	IncompleteFrame        = fault.IncompleteFrame
	StaleBuffer            = fault.StaleBuffer
	InvalidState           = fault.InvalidState
	CapacityExceeded       = fault.CapacityExceeded
	NotFound               = fault.NotFound
	AlreadyExists          = fault.AlreadyExists
)

// KindOf returns the Kind carried by err, or the zero Kind.
func KindOf(err error) Kind { return fault.KindOf(err) }
