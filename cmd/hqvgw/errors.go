package main

// FormatUserError renders err for a command-line user: its Error() text,
// or "" for a nil error.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
