package helpers

// BoolPointer returns a pointer to the given bool value.
func BoolPointer(b bool) *bool {
	return &b
}

// FlagPointer returns a pointer to value if the flag was set on the command
// line, and nil otherwise, so that unset flags keep the callee's default.
func FlagPointer(changed bool, value bool) *bool {
	if !changed {
		return nil
	}
	return BoolPointer(value)
}
