// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrUnknownTopic indicates a subscription was requested for a topic the upstream log does not carry.
var ErrUnknownTopic = errors.New("unknown topic")

// ErrUpstreamUnavailable indicates the upstream log could not be reached to establish a subscription.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrMalformedRecord indicates a raw log record is missing a required field or has the wrong shape.
var ErrMalformedRecord = errors.New("malformed record")

// ErrBridgeClosed indicates the bridge is shutting down and no longer accepts sessions.
var ErrBridgeClosed = errors.New("bridge closed")
