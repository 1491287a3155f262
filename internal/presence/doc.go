// Package presence owns the temporal debouncing of per-frame detections.
//
// Responsibilities: deciding, frame by frame, whether any watched object class
// is really present. A label must be evidenced continuously for longer than the
// sustain threshold before it is reported, and a reported set is held through
// short detector dropouts (AbsenceGrace) before everything is cleared.
// Key types: Filter, Detection, Frame, Verified.
//
// Dependency rule: presence depends only on timeutil. It performs no I/O,
// no logging and no locking; callers serialise access to a Filter.
package presence
