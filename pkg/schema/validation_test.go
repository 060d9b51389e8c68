package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddNodeWarning("m1", "nodes[1].data.messageText", ErrCodeValidation, "message node has no text")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "m1", r.Warnings[0].NodeID)
}

func TestValidationResult_ByNode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes", ErrCodeValidation, "graph has no trigger node")
	r.AddNodeError("c1", "nodes[2]", ErrCodeConfiguration, "smart_condition needs both branches")

	other := &ValidationResult{}
	other.AddNodeWarning("c1", "edges", ErrCodeValidation, "cycle without a wait node")
	r.Merge(other)
	r.Merge(nil)

	groups := r.ByNode()
	assert.Len(t, groups[""], 1)
	require.Len(t, groups["c1"], 2)
	assert.Equal(t, SeverityError, groups["c1"][0].Severity)
	assert.Equal(t, SeverityWarning, groups["c1"][1].Severity)
}

func TestValidationResult_ToError_SingleNodeError(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeError("x", "nodes[0].data.type", ErrCodeConfiguration, `unknown node type "email"`)

	var ne *NurtureError
	require.True(t, errors.As(r.ToError(), &ne))
	assert.Equal(t, ErrCodeValidation, ne.Code)
	assert.Equal(t, `unknown node type "email"`, ne.Message)
	assert.Equal(t, "x", ne.NodeID)
	assert.Equal(t, 1, ne.Details["error_count"])
}

func TestValidationResult_ToError_ListsFirstErrors(t *testing.T) {
	r := &ValidationResult{}
	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5"} {
		r.AddNodeError("n-"+msg, "/", ErrCodeValidation, msg)
	}
	r.AddWarning("/", ErrCodeValidation, "w1")

	var ne *NurtureError
	require.True(t, errors.As(r.ToError(), &ne))
	assert.Equal(t, "e1; e2; e3 (and 2 more)", ne.Message)
	assert.Empty(t, ne.NodeID, "several nodes are at fault")
	assert.Equal(t, 5, ne.Details["error_count"])
	assert.Equal(t, 1, ne.Details["warning_count"])
}
