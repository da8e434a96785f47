// Package geometry holds the bounding-box type shared by every tracking stage
// and the pure similarity measures used to judge detections against history.
//
// Responsibilities: IoU, area ratio and aspect-ratio similarity between two
// boxes. Every measure is total: an absent box (nil) yields (0, false) and a
// degenerate denominator yields (0, true). Nothing in this package keeps state.
// Key types: BoundingBox.
package geometry
