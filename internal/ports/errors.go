package ports

// ErrNotFound is returned by repositories for unknown ids.
var ErrNotFound = errString("not found")

type errString string

func (e errString) Error() string { return string(e) }
