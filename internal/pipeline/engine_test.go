package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/patient-docs/internal/branching"
	"github.com/jonathan/patient-docs/internal/catalog"
	"github.com/jonathan/patient-docs/internal/invoker"
	"github.com/jonathan/patient-docs/internal/llm"
	"github.com/jonathan/patient-docs/internal/recorder"
	"github.com/jonathan/patient-docs/internal/types"
)

// MockGateway implements llm.Gateway for testing
type MockGateway struct {
	mu           sync.Mutex
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
	Prompts      []string
}

func (m *MockGateway) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, req.Prompt)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &llm.Response{Text: "ok", Model: "test-model"}, nil
}

// MockStepSource implements StepSource for testing
type MockStepSource struct {
	LoadEnabledStepsFunc func(ctx context.Context) ([]types.StepDefinition, error)
}

func (m *MockStepSource) LoadEnabledSteps(ctx context.Context) ([]types.StepDefinition, error) {
	return m.LoadEnabledStepsFunc(ctx)
}

func staticSteps(steps ...types.StepDefinition) *MockStepSource {
	return &MockStepSource{
		LoadEnabledStepsFunc: func(context.Context) ([]types.StepDefinition, error) {
			return types.CloneSteps(steps), nil
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

const (
	classArztbrief  = int64(1)
	classLaborwerte = int64(2)
)

func testClasses() []types.DocumentClass {
	return []types.DocumentClass{
		{ID: classArztbrief, Key: "ARZTBRIEF", DisplayName: "Arztbrief", Enabled: true},
		{ID: classLaborwerte, Key: "LABORWERTE", DisplayName: "Laborwerte", Enabled: true},
	}
}

func retry(n int) types.RetryPolicy {
	return types.RetryPolicy{RetryOnFailure: true, MaxRetries: n}
}

// medicalSteps is the validate, classify, class-specific simplify, translate pipeline
func medicalSteps() []types.StepDefinition {
	return []types.StepDefinition{
		{
			ID: 1, Name: "validate", Order: 10, Enabled: true,
			PromptTemplate: "VALIDATE:{input_text}", RetryPolicy: retry(3),
			StopConditions: &types.StopConditions{StopOnValues: []string{"NICHT_MEDIZINISCH"}, TerminationReason: "not medical"},
		},
		{
			ID: 2, Name: "classify", Order: 20, Enabled: true,
			PromptTemplate: "CLASSIFY:{input_text}", RetryPolicy: retry(3),
			IsBranchingStep: true, BranchingField: types.BranchFieldDocumentType,
		},
		{
			ID: 3, Name: "simplify_arztbrief", Order: 30, Enabled: true,
			PromptTemplate: "SIMPLIFY {document_type}:{input_text}", RetryPolicy: retry(3),
			DocumentClassID: int64Ptr(classArztbrief), InputFromPreviousStep: true,
		},
		{
			ID: 4, Name: "simplify_laborwerte", Order: 30, Enabled: true,
			PromptTemplate: "LAB:{input_text}", RetryPolicy: retry(3),
			DocumentClassID: int64Ptr(classLaborwerte), InputFromPreviousStep: true,
		},
		{
			ID: 5, Name: "translate", Order: 40, Enabled: true,
			PromptTemplate: "TRANSLATE {target_language}:{input_text}", RetryPolicy: retry(3),
			RequiredContextVariables: []string{"target_language"},
			PostBranching:            true, InputFromPreviousStep: true,
		},
	}
}

// medicalGateway answers by prompt prefix
func medicalGateway(validation, classification string) *MockGateway {
	return &MockGateway{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			p := req.Prompt
			switch {
			case strings.HasPrefix(p, "VALIDATE:"):
				return &llm.Response{Text: validation, Model: "lite"}, nil
			case strings.HasPrefix(p, "CLASSIFY:"):
				return &llm.Response{Text: classification, Model: "lite"}, nil
			case strings.HasPrefix(p, "SIMPLIFY "):
				return &llm.Response{Text: "einfach[" + strings.SplitN(p, ":", 2)[1] + "]", Model: "advanced"}, nil
			case strings.HasPrefix(p, "LAB:"):
				return &llm.Response{Text: "labor[" + strings.TrimPrefix(p, "LAB:") + "]", Model: "advanced"}, nil
			case strings.HasPrefix(p, "TRANSLATE "):
				lang, text, _ := strings.Cut(strings.TrimPrefix(p, "TRANSLATE "), ":")
				return &llm.Response{Text: lang + "[" + text + "]", Model: "standard"}, nil
			}
			return &llm.Response{Text: "echo:" + p}, nil
		},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine(source StepSource, classes []types.DocumentClass, gw llm.Gateway, opts Options) (*Engine, *recorder.MemoryStore) {
	store := recorder.NewMemoryStore()
	if opts.Recorder == nil {
		opts.Recorder = recorder.New(store, nil)
	}
	inv := invoker.New(gw, invoker.Options{Sleep: noSleep})
	resolver := branching.NewResolver(catalog.New(nil, classes), nil)
	return NewEngine(source, inv, resolver, opts), store
}

func TestExecute_EndToEnd(t *testing.T) {
	gw := medicalGateway("MEDIZINISCH", "ARZTBRIEF")
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{
		ProcessingID: "doc-1",
		InputText:    "Sehr geehrte Kollegin",
		Context:      map[string]string{"target_language": "en"},
	})

	require.True(t, res.Success, res.Metadata.Error)
	assert.Equal(t, "en[einfach[Sehr geehrte Kollegin]]", res.FinalText)
	assert.True(t, res.Metadata.Branched)
	require.NotNil(t, res.Metadata.DocumentClass)
	assert.Equal(t, "ARZTBRIEF", res.Metadata.DocumentClass.Key)
	require.NotNil(t, res.Metadata.Branch)
	assert.Equal(t, int64(1), *res.Metadata.Branch.TargetID)
	assert.Nil(t, res.Metadata.Termination)
	assert.Equal(t, 4, res.Metadata.TotalSteps)

	names := make([]string, 0, len(res.Metadata.Steps))
	for _, s := range res.Metadata.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"validate", "classify", "simplify_arztbrief", "translate"}, names)
	assert.Equal(t, "SIMPLIFY ARZTBRIEF:Sehr geehrte Kollegin", gw.Prompts[2])

	job := store.Job(res.Metadata.JobID)
	require.NotNil(t, job)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.Len(t, job.PipelineConfigSnapshot, 5)
	assert.Equal(t, "doc-1", job.ProcessingID)
	assert.Equal(t, "ARZTBRIEF", job.ResultData["document_class"])
	assert.Equal(t, false, job.ResultData[ResultTerminatedEarly])

	records := store.StepExecutions(job.JobID)
	require.Len(t, records, 4)
	phases := []string{"universal", "branch_gate", "class_specific", "post_branch"}
	for i, rec := range records {
		assert.Equal(t, types.StepStatusCompleted, rec.Status)
		assert.Equal(t, phases[i], rec.Phase)
		assert.Equal(t, 1, rec.Attempts)
	}
	assert.Equal(t, "Sehr geehrte Kollegin", records[0].InputTextTruncated)
	assert.Equal(t, "advanced", records[2].ModelUsed)
}

func TestExecute_StopConditionTerminatesGracefully(t *testing.T) {
	gw := medicalGateway("NICHT_MEDIZINISCH wurde festgestellt", "ARZTBRIEF")
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{ProcessingID: "doc-2", InputText: "Einkaufsliste"})

	require.True(t, res.Success)
	require.NotNil(t, res.Metadata.Termination)
	assert.Equal(t, "NICHT_MEDIZINISCH", res.Metadata.Termination.MatchedValue)
	assert.Equal(t, "Einkaufsliste", res.FinalText)
	assert.Len(t, gw.Prompts, 1)

	job := store.Job(res.Metadata.JobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, true, job.ResultData[ResultTerminatedEarly])
	assert.Equal(t, "not medical", job.ResultData[ResultTerminationReason])
	assert.Equal(t, "NICHT_MEDIZINISCH", job.ResultData[ResultMatchedValue])
	assert.Equal(t, "validate", job.ResultData[ResultStepName])
	assert.Len(t, store.StepExecutions(job.JobID), 1)
}

func TestExecute_StopConditionOnlyMatchesFirstToken(t *testing.T) {
	gw := medicalGateway("Das Dokument ist NICHT_MEDIZINISCH", "ARZTBRIEF")
	engine, _ := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{
		InputText: "Befund",
		Context:   map[string]string{"target_language": "en"},
	})

	require.True(t, res.Success)
	assert.Nil(t, res.Metadata.Termination)
	assert.Len(t, res.Metadata.Steps, 4)
}

func TestExecute_UnknownBranchDegrades(t *testing.T) {
	gw := medicalGateway("MEDIZINISCH", "ZZZ_UNKNOWN")
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{
		InputText: "Text",
		Context:   map[string]string{"target_language": "en"},
	})

	require.True(t, res.Success, res.Metadata.Error)
	assert.False(t, res.Metadata.Branched)
	assert.Nil(t, res.Metadata.DocumentClass)
	require.NotNil(t, res.Metadata.Branch)
	assert.Nil(t, res.Metadata.Branch.TargetID)
	assert.Equal(t, "ZZZ_UNKNOWN", res.Metadata.Branch.RawValue)
	assert.Equal(t, "en[Text]", res.FinalText)

	records := store.StepExecutions(res.Metadata.JobID)
	require.Len(t, records, 3)
	assert.Equal(t, "translate", records[2].StepName)
	assert.Equal(t, 3, res.Metadata.TotalSteps)
}

func TestExecute_RetryBoundThenFail(t *testing.T) {
	translateCalls := 0
	base := medicalGateway("MEDIZINISCH", "LABORWERTE")
	gw := &MockGateway{
		GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			if strings.HasPrefix(req.Prompt, "TRANSLATE ") {
				translateCalls++
				return nil, errors.New("503 unavailable")
			}
			return base.GenerateFunc(ctx, req)
		},
	}
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{
		InputText: "Hb 12",
		Context:   map[string]string{"target_language": "en"},
	})

	require.False(t, res.Success)
	assert.Equal(t, 3, translateCalls)
	require.NotNil(t, res.Metadata.FailedStepID)
	assert.Equal(t, int64(5), *res.Metadata.FailedStepID)
	assert.Equal(t, "translate", res.Metadata.FailedStepName)
	assert.Contains(t, res.Metadata.Error, "503")
	assert.Equal(t, "labor[Hb 12]", res.FinalText)

	job := store.Job(res.Metadata.JobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailedStepID)
	assert.Equal(t, int64(5), *job.FailedStepID)

	records := store.StepExecutions(job.JobID)
	require.Len(t, records, 4)
	failed := records[3]
	assert.Equal(t, types.StepStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.ErrorMessage, "503")
}

func TestExecute_MissingContextVariableFailsWithoutRetry(t *testing.T) {
	gw := medicalGateway("MEDIZINISCH", "ARZTBRIEF")
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{InputText: "Text"})

	require.False(t, res.Success)
	assert.Equal(t, "translate", res.Metadata.FailedStepName)
	assert.Contains(t, res.Metadata.Error, "target_language")
	assert.Len(t, gw.Prompts, 3, "translate never reaches the gateway")

	records := store.StepExecutions(res.Metadata.JobID)
	require.Len(t, records, 4)
	assert.Equal(t, 0, records[3].Attempts)
}

func TestExecute_MultipleBranchingStepsIsConfigurationError(t *testing.T) {
	steps := medicalSteps()
	steps[0].IsBranchingStep = true
	steps[0].BranchingField = "urgent"
	gw := &MockGateway{}
	engine, store := newTestEngine(staticSteps(steps...), testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{InputText: "Text"})

	require.False(t, res.Success)
	assert.Contains(t, res.Metadata.Error, "multiple branching steps")
	assert.Empty(t, gw.Prompts)

	job := store.Job(res.Metadata.JobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Nil(t, job.FailedStepID)
	assert.Empty(t, store.StepExecutions(job.JobID))
}

func TestExecute_InvalidBranchGate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *types.StepDefinition)
		want   string
	}{
		{"no field", func(s *types.StepDefinition) { s.BranchingField = "" }, "no branching field"},
		{"post branch gate", func(s *types.StepDefinition) { s.PostBranching = true }, "must be universal"},
		{"class gate", func(s *types.StepDefinition) { s.DocumentClassID = int64Ptr(1) }, "must be universal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := medicalSteps()
			tt.mutate(&steps[1])
			gw := &MockGateway{}
			engine, _ := newTestEngine(staticSteps(steps...), testClasses(), gw, Options{})

			res := engine.Execute(context.Background(), Request{InputText: "Text"})

			require.False(t, res.Success)
			assert.Contains(t, res.Metadata.Error, tt.want)
			assert.Empty(t, gw.Prompts)
		})
	}
}

func TestExecute_OrderingIsStable(t *testing.T) {
	steps := []types.StepDefinition{
		{ID: 10, Name: "c", Order: 3, Enabled: true, PromptTemplate: "c:{input_text}", InputFromPreviousStep: true},
		{ID: 11, Name: "a", Order: 1, Enabled: true, PromptTemplate: "a:{input_text}", InputFromPreviousStep: true},
		{ID: 12, Name: "b1", Order: 2, Enabled: true, PromptTemplate: "b1:{input_text}", InputFromPreviousStep: true},
		{ID: 13, Name: "b2", Order: 2, Enabled: true, PromptTemplate: "b2:{input_text}", InputFromPreviousStep: true},
	}
	gw := &MockGateway{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: req.Prompt}, nil
		},
	}
	engine, _ := newTestEngine(staticSteps(steps...), nil, gw, Options{})

	res := engine.Execute(context.Background(), Request{InputText: "x"})

	require.True(t, res.Success)
	assert.Equal(t, "c:b2:b1:a:x", res.FinalText)
}

func TestExecute_InputFromPreviousStepFalse(t *testing.T) {
	steps := []types.StepDefinition{
		{ID: 1, Name: "rewrite", Order: 1, Enabled: true, PromptTemplate: "rewrite:{input_text}", InputFromPreviousStep: true},
		{ID: 2, Name: "audit", Order: 2, Enabled: true, PromptTemplate: "audit:{input_text}", InputFromPreviousStep: false},
		{ID: 3, Name: "finish", Order: 3, Enabled: true, PromptTemplate: "finish:{input_text}", InputFromPreviousStep: true},
	}
	gw := &MockGateway{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "<" + req.Prompt + ">"}, nil
		},
	}
	engine, _ := newTestEngine(staticSteps(steps...), nil, gw, Options{})

	res := engine.Execute(context.Background(), Request{InputText: "orig"})

	require.True(t, res.Success)
	require.Len(t, gw.Prompts, 3)
	assert.Equal(t, "audit:orig", gw.Prompts[1], "audit reads the original text")
	assert.Equal(t, "finish:<rewrite:orig>", gw.Prompts[2], "audit output does not replace the working text")
	assert.Equal(t, "<finish:<rewrite:orig>>", res.FinalText)
}

func TestExecute_NonDocumentBranchFieldFeedsContext(t *testing.T) {
	steps := []types.StepDefinition{
		{ID: 1, Name: "urgency", Order: 1, Enabled: true, PromptTemplate: "URGENT?{input_text}",
			IsBranchingStep: true, BranchingField: "urgent"},
		{ID: 2, Name: "note", Order: 2, Enabled: true, PromptTemplate: "NOTE {urgent}:{input_text}",
			PostBranching: true, InputFromPreviousStep: true},
	}
	gw := &MockGateway{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			if strings.HasPrefix(req.Prompt, "URGENT?") {
				return &llm.Response{Text: "ja."}, nil
			}
			return &llm.Response{Text: req.Prompt}, nil
		},
	}
	engine, _ := newTestEngine(staticSteps(steps...), nil, gw, Options{})

	res := engine.Execute(context.Background(), Request{InputText: "x"})

	require.True(t, res.Success, res.Metadata.Error)
	assert.Equal(t, "NOTE JA:x", res.FinalText)
	require.NotNil(t, res.Metadata.Branch)
	assert.Equal(t, branching.TypeBoolean, res.Metadata.Branch.Type)
	assert.False(t, res.Metadata.Branched)
}

func TestExecute_SnapshotIsolation(t *testing.T) {
	cat := catalog.New(medicalSteps(), testClasses())
	gw := medicalGateway("MEDIZINISCH", "ARZTBRIEF")
	base := gw.GenerateFunc
	gw.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.Prompt, "VALIDATE:") {
			// Edit the store while the job runs
			changed := medicalSteps()[2]
			changed.PromptTemplate = "CHANGED:{input_text}"
			cat.UpsertStep(changed)
			cat.SetStepEnabled(5, false)
		}
		return base(ctx, req)
	}
	engine, store := newTestEngine(cat, testClasses(), gw, Options{})

	res := engine.Execute(context.Background(), Request{
		InputText: "Brief",
		Context:   map[string]string{"target_language": "de"},
	})

	require.True(t, res.Success, res.Metadata.Error)
	assert.Equal(t, "de[einfach[Brief]]", res.FinalText)
	assert.Contains(t, gw.Prompts, "TRANSLATE de:einfach[Brief]")
	for _, p := range gw.Prompts {
		assert.NotContains(t, p, "CHANGED")
	}

	job := store.Job(res.Metadata.JobID)
	assert.Equal(t, "SIMPLIFY {document_type}:{input_text}", job.PipelineConfigSnapshot[2].PromptTemplate)
	assert.True(t, job.PipelineConfigSnapshot[4].Enabled)

	// The next job sees the edits
	gw.Prompts = nil
	res = engine.Execute(context.Background(), Request{InputText: "Brief", Context: map[string]string{"target_language": "de"}})
	require.True(t, res.Success)
	assert.Equal(t, "echo:CHANGED:Brief", res.FinalText)
}

func TestExecute_LoadFailures(t *testing.T) {
	tests := []struct {
		name   string
		source *MockStepSource
		want   string
	}{
		{
			name: "store error",
			source: &MockStepSource{LoadEnabledStepsFunc: func(context.Context) ([]types.StepDefinition, error) {
				return nil, errors.New("connection refused")
			}},
			want: "connection refused",
		},
		{
			name:   "no steps",
			source: staticSteps(),
			want:   ErrNoSteps.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := newTestEngine(tt.source, nil, &MockGateway{}, Options{})

			res := engine.Execute(context.Background(), Request{InputText: "x"})

			require.False(t, res.Success)
			assert.Contains(t, res.Metadata.Error, tt.want)
			job := store.Job(res.Metadata.JobID)
			require.NotNil(t, job)
			assert.Equal(t, types.JobStatusFailed, job.Status)
		})
	}
}

// unavailableStore fails every write
type unavailableStore struct {
	mu    sync.Mutex
	calls int
}

func (s *unavailableStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("database is down")
}

func (s *unavailableStore) CreateJob(context.Context, *types.PipelineJob) error { return s.fail() }

func (s *unavailableStore) UpdateJob(context.Context, *types.PipelineJob) error { return s.fail() }

func (s *unavailableStore) AppendStepExecution(context.Context, *types.StepExecutionRecord) error {
	return s.fail()
}

func TestExecute_RecordStoreDownDoesNotChangeOutcome(t *testing.T) {
	tests := []struct {
		name       string
		validation string
		wantText   string
		wantSteps  int
		wantStop   bool
	}{
		{name: "completes", validation: "MEDIZINISCH", wantText: "en[einfach[Brief]]", wantSteps: 4},
		{name: "stops early", validation: "NICHT_MEDIZINISCH", wantText: "Brief", wantSteps: 1, wantStop: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			down := &unavailableStore{}
			gw := medicalGateway(tt.validation, "ARZTBRIEF")
			engine, _ := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{
				Recorder: recorder.New(down, nil),
			})

			res := engine.Execute(context.Background(), Request{
				InputText: "Brief",
				Context:   map[string]string{"target_language": "en"},
			})

			require.True(t, res.Success, res.Metadata.Error)
			assert.Equal(t, tt.wantText, res.FinalText)
			assert.Len(t, res.Metadata.Steps, tt.wantSteps)
			assert.Equal(t, tt.wantStop, res.Metadata.Termination != nil)
			assert.Empty(t, res.Metadata.Error)
			assert.NotEmpty(t, res.Metadata.JobID)
			assert.Positive(t, down.calls)
		})
	}

	t.Run("step failure still reported", func(t *testing.T) {
		base := medicalGateway("MEDIZINISCH", "ARZTBRIEF")
		gw := &MockGateway{
			GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				if strings.HasPrefix(req.Prompt, "TRANSLATE ") {
					return nil, errors.New("503 unavailable")
				}
				return base.GenerateFunc(ctx, req)
			},
		}
		engine, _ := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{
			Recorder: recorder.New(&unavailableStore{}, nil),
		})

		res := engine.Execute(context.Background(), Request{
			InputText: "Brief",
			Context:   map[string]string{"target_language": "en"},
		})

		require.False(t, res.Success)
		assert.Equal(t, "translate", res.Metadata.FailedStepName)
		assert.Contains(t, res.Metadata.Error, "503")
	})
}

func TestExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw := &MockGateway{}
	engine, store := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{})

	res := engine.Execute(ctx, Request{InputText: "x"})

	require.False(t, res.Success)
	assert.Contains(t, res.Metadata.Error, "cancelled")
	assert.Empty(t, gw.Prompts)
	assert.Equal(t, types.JobStatusFailed, store.Job(res.Metadata.JobID).Status)
}

func TestExecute_ProgressEvents(t *testing.T) {
	var events []ProgressEvent
	gw := medicalGateway("MEDIZINISCH", "ARZTBRIEF")
	engine, _ := newTestEngine(staticSteps(medicalSteps()...), testClasses(), gw, Options{
		OnProgress: func(ev ProgressEvent) { events = append(events, ev) },
	})

	res := engine.Execute(context.Background(), Request{InputText: "x", Context: map[string]string{"target_language": "en"}})
	require.True(t, res.Success)

	require.NotEmpty(t, events)
	last := -1
	for _, ev := range events {
		assert.Equal(t, res.Metadata.JobID, ev.JobID)
		assert.GreaterOrEqual(t, ev.Percent, last)
		last = ev.Percent
	}
	assert.Equal(t, 100, events[len(events)-1].Percent)
	assert.Equal(t, "Pipeline completed", events[len(events)-1].Message)
	assert.Equal(t, "Running step 1/3: validate", events[0].Message, "class steps are not known before the branch")
}

func TestBuildPlan_Partitions(t *testing.T) {
	steps := medicalSteps()
	steps = append(steps, types.StepDefinition{ID: 6, Name: "off", Order: 1, Enabled: false, PromptTemplate: "x"})

	p, err := buildPlan(steps)
	require.NoError(t, err)

	require.Len(t, p.preBranch, 2)
	assert.Equal(t, types.PhaseUniversal, p.preBranch[0].phase)
	assert.Equal(t, types.PhaseBranchGate, p.preBranch[1].phase)
	assert.Len(t, p.postBranch, 1)
	assert.Len(t, p.byClass[classArztbrief], 1)

	merged := p.branchSteps(int64Ptr(classArztbrief))
	require.Len(t, merged, 2)
	assert.Equal(t, "simplify_arztbrief", merged[0].def.Name)
	assert.Equal(t, "translate", merged[1].def.Name)

	assert.Len(t, p.branchSteps(nil), 1)
	assert.Len(t, p.branchSteps(int64Ptr(99)), 1)
}
