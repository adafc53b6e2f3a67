package dispatcher

// outcome is the explicit per-record result of one dispatch attempt. The
// batch loop uses it, not errors, to decide what happens to the record.
type outcome int

const (
	// outcomePublished: at least one outbound publish succeeded and the
	// record can be marked processed.
	outcomePublished outcome = iota
	// outcomeSkipped: nothing wanted the record (no topic mapping, bus off).
	// Still marked processed; an event type with no consumer is a no-op.
	outcomeSkipped
	// outcomeRetry: a publish failed; the record stays unprocessed and is
	// scheduled for another attempt.
	outcomeRetry
)

func (o outcome) String() string {
	switch o {
	case outcomePublished:
		return "published"
	case outcomeSkipped:
		return "skipped"
	default:
		return "retry"
	}
}

// recordResult couples the outcome with the failure cause for logging.
type recordResult struct {
	outcome   outcome
	err       error
	published int
}
