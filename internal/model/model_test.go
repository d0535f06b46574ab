package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		name     string
		model    interface{ TableName() string }
		expected string
	}{
		{"Session", &Session{}, "sessions"},
		{"Anchor", &Anchor{}, "anchors"},
		{"ObjectState", &ObjectState{}, "object_states"},
		{"SyncPass", &SyncPass{}, "sync_passes"},
		{"Performance", &Performance{}, "performances"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.model.TableName())
		})
	}
}

func TestDatabaseModels_AllHaveTableNames(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range DatabaseModels {
		tn, ok := m.(interface{ TableName() string })
		if !assert.True(t, ok, "%T has no TableName", m) {
			continue
		}
		assert.False(t, seen[tn.TableName()], "duplicate table %s", tn.TableName())
		seen[tn.TableName()] = true
	}
	assert.Len(t, seen, 5)
}
