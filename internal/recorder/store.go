package recorder

import (
	"context"
	"sort"
	"sync"

	"github.com/jonathan/patient-docs/internal/types"
)

// Store persists job state and step execution records
type Store interface {
	// CreateJob inserts a new job row
	CreateJob(ctx context.Context, job *types.PipelineJob) error
	// UpdateJob overwrites the mutable job fields
	UpdateJob(ctx context.Context, job *types.PipelineJob) error
	// AppendStepExecution adds one audit record
	AppendStepExecution(ctx context.Context, record *types.StepExecutionRecord) error
}

// MemoryStore keeps jobs and step executions in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*types.PipelineJob
	executions map[string][]types.StepExecutionRecord
	nextID     int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*types.PipelineJob),
		executions: make(map[string][]types.StepExecutionRecord),
	}
}

// CreateJob stores a copy of job
func (m *MemoryStore) CreateJob(_ context.Context, job *types.PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = copyJob(job)
	return nil
}

// UpdateJob replaces the stored copy of job
func (m *MemoryStore) UpdateJob(_ context.Context, job *types.PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = copyJob(job)
	return nil
}

// AppendStepExecution stores record and assigns it a sequential id
func (m *MemoryStore) AppendStepExecution(_ context.Context, record *types.StepExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := *record
	rec.ID = m.nextID
	record.ID = rec.ID
	m.executions[rec.JobID] = append(m.executions[rec.JobID], rec)
	return nil
}

// Job returns a copy of the stored job, or nil
func (m *MemoryStore) Job(jobID string) *types.PipelineJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	return copyJob(job)
}

// Jobs returns copies of all stored jobs, newest first
func (m *MemoryStore) Jobs() []*types.PipelineJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.PipelineJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// StepExecutions returns the records of one job in insertion order
func (m *MemoryStore) StepExecutions(jobID string) []types.StepExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.StepExecutionRecord(nil), m.executions[jobID]...)
}

func copyJob(job *types.PipelineJob) *types.PipelineJob {
	out := *job
	out.PipelineConfigSnapshot = types.CloneSteps(job.PipelineConfigSnapshot)
	out.ContextSnapshot = copyStrings(job.ContextSnapshot)
	if job.ResultData != nil {
		out.ResultData = make(map[string]any, len(job.ResultData))
		for k, v := range job.ResultData {
			out.ResultData[k] = v
		}
	}
	out.CurrentStepID = copyInt64(job.CurrentStepID)
	out.FailedStepID = copyInt64(job.FailedStepID)
	return &out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
