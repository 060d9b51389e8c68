package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchRegistry_WatchAndLookup(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("wf-1", "session-abc")
	r.Watch("wf-1", "session-abc")
	assert.Equal(t, []string{"session-abc"}, r.SessionsFor("wf-1"))
	assert.Empty(t, r.SessionsFor("wf-2"))
}

func TestWatchRegistry_AllWorkflows(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch(AllWorkflows, "session-all")
	r.Watch("wf-1", "session-one")
	r.Watch("wf-1", "session-all")

	assert.Equal(t, []string{"session-all", "session-one"}, r.SessionsFor("wf-1"))
	assert.Equal(t, []string{"session-all"}, r.SessionsFor("wf-2"))
}

func TestWatchRegistry_Unwatch(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("wf-1", "s1")
	r.Watch("wf-1", "s2")
	r.Unwatch("wf-1", "s1")
	r.Unwatch("wf-9", "s1")

	assert.Equal(t, []string{"s2"}, r.SessionsFor("wf-1"))
}

func TestWatchRegistry_Remove(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("wf-1", "session-abc")
	r.Watch("wf-2", "session-abc")
	r.Watch("wf-2", "session-xyz")

	r.Remove("session-abc")

	assert.Empty(t, r.SessionsFor("wf-1"))
	assert.Equal(t, []string{"session-xyz"}, r.SessionsFor("wf-2"))
}
