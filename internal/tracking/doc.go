// Package tracking runs the per-frame pipeline over the trajectory store:
// predict each track's next box, vote on every detection that has a
// prediction, correct the accepted boxes and evict tracks that have been
// missing for too long.
//
// A Tracker processes one frame at a time. Update holds the tracker lock for
// the whole frame, so readers such as Snapshot never see a half-applied
// frame.
package tracking
