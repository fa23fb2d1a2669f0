package viewsync

// Entity names a server-side entity whose views can be subscribed to. The
// fully qualified view identifier is the entity name joined with a mode
// suffix, for example "Order/list".
type Entity string

// StateView returns the qualified state view identifier.
func (e Entity) StateView() string {
	return string(e) + "/" + string(ModeState)
}

// ListView returns the qualified list view identifier.
func (e Entity) ListView() string {
	return string(e) + "/" + string(ModeList)
}

// AppendView returns the qualified append view identifier.
func (e Entity) AppendView() string {
	return string(e) + "/" + string(ModeAppend)
}

// ParseMode extracts the mode suffix from a qualified view identifier,
// defaulting to ModeList when the suffix is absent or unrecognized.
func ParseMode(view string) Mode {
	return parseViewMode(view)
}
