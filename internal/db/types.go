package db

// DefaultJobListLimit caps ListJobs when no limit is given
const DefaultJobListLimit = 50

// JobFilter narrows ListJobs results
type JobFilter struct {
	// Status filters by job status when non-empty
	Status string
	// ProcessingID filters by the caller supplied document id when non-empty
	ProcessingID string
	Limit        int
}
