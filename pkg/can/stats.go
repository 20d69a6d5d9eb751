package can

// Stats is a snapshot of the framing layer's counters. Reads return a
// copy; writers hold the component lock for the duration of the update.
type Stats struct {
	Sent           uint64
	Received       uint64
	FilterRejected uint64
	Errors         uint64
}
