package transcript

// ShouldEmit reports whether ev meets the confidence threshold for its kind.
// The boundary is inclusive.
func ShouldEmit(ev Event, s Settings) bool {
	return ev.Confidence >= s.Threshold(ev.Kind)
}
