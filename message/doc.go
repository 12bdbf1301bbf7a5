// Package message defines the event and command envelopes carried by the
// bus. Events record facts, commands request actions; both serialize to a
// JSON object with a metadata envelope and a variant-specific payload, and
// route on their type string.
package message
