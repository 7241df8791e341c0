// Package branching turns a classification step's raw output into a branch decision.
package branching

import (
	"context"
	"log/slog"
	"strings"

	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/stopcond"
	"github.com/jonathan/patient-docs/internal/types"
)

// Branch types
const (
	TypeDocumentClass = "document_class"
	TypeBoolean       = "boolean"
	TypeEnum          = "enum"
)

// UnknownDisplayName is reported for values that match no registered document class
const UnknownDisplayName = "Unknown"

// labelPrefixes are stripped from classifier output before the value is read
var labelPrefixes = []string{"CLASSIFICATION:", "CLASS:", "DOCUMENT_TYPE:"}

var booleanValues = map[string]bool{
	"JA": true, "NEIN": true, "YES": true, "NO": true, "TRUE": true, "FALSE": true,
}

// Registry resolves document classes by key. It returns nil, nil when no class matches.
type Registry interface {
	GetClassByKey(ctx context.Context, key string) (*types.DocumentClass, error)
}

// Resolution is the normalized branch decision
type Resolution struct {
	Field             string `json:"field"`
	RawValue          string `json:"raw_value"`
	Type              string `json:"type"`
	TargetKey         string `json:"target_key"`
	TargetID          *int64 `json:"target_id"`
	TargetDisplayName string `json:"target_display_name"`
}

// Resolved reports whether the decision selected a registered document class.
func (r *Resolution) Resolved() bool {
	return r != nil && r.Type == TypeDocumentClass && r.TargetID != nil
}

// Resolver normalizes classifier output and looks up document classes
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

// NewResolver creates a resolver. A nil registry resolves every document type as unknown.
func NewResolver(registry Registry, logger *slog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   plog.OrDefault(logger, "branching"),
	}
}

// Normalize upper-cases output, strips a known label prefix and returns the first token.
func Normalize(output string) string {
	value := strings.ToUpper(strings.TrimSpace(output))
	for _, prefix := range labelPrefixes {
		if strings.HasPrefix(value, prefix) {
			value = strings.TrimSpace(strings.TrimPrefix(value, prefix))
			break
		}
	}
	return stopcond.FirstToken(value)
}

// Resolve builds the branch decision for output. Returns nil only when output normalizes to empty.
// Unknown document types still yield a record with a nil TargetID so callers can continue with
// universal steps only.
func (r *Resolver) Resolve(ctx context.Context, output, branchingField string) *Resolution {
	raw := Normalize(output)
	if raw == "" {
		return nil
	}

	res := &Resolution{
		Field:     branchingField,
		RawValue:  raw,
		TargetKey: raw,
	}

	if branchingField != types.BranchFieldDocumentType {
		if booleanValues[raw] {
			res.Type = TypeBoolean
		} else {
			res.Type = TypeEnum
		}
		return res
	}

	res.Type = TypeDocumentClass
	res.TargetDisplayName = UnknownDisplayName

	if r.registry == nil {
		return res
	}

	dc, err := r.registry.GetClassByKey(ctx, raw)
	if err != nil {
		r.logger.WarnContext(ctx, "Document class lookup failed, continuing without class",
			"key", raw, "error", err)
		return res
	}
	if dc == nil {
		r.logger.InfoContext(ctx, "No document class registered for classifier output", "key", raw)
		return res
	}

	id := dc.ID
	res.TargetID = &id
	res.TargetKey = dc.Key
	res.TargetDisplayName = dc.DisplayName
	return res
}
