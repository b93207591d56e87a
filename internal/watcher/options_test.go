package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}
	opts.setDefaults()

	assert.Equal(t, BackendAuto, opts.Backend)
	assert.Equal(t, NativeDefault, opts.Native)
	assert.Equal(t, 1500*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 0, opts.BatchSize, "zero batch means unlimited")
	assert.Equal(t, 256, opts.QueueSize)
	assert.False(t, opts.IgnoreHidden)
	assert.Empty(t, opts.IgnorePatterns)
}

func TestOptions_CustomValues(t *testing.T) {
	opts := Options{
		Backend:      BackendPolling,
		Native:       NativeFsnotify,
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
		QueueSize:    4,
	}
	opts.setDefaults()

	assert.Equal(t, BackendPolling, opts.Backend)
	assert.Equal(t, NativeFsnotify, opts.Native)
	assert.Equal(t, 20*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 10, opts.BatchSize)
	assert.Equal(t, 4, opts.QueueSize)
}

func TestOptions_NegativeBatchSize(t *testing.T) {
	opts := Options{BatchSize: -3}
	opts.setDefaults()

	assert.Equal(t, 0, opts.BatchSize)
}

func TestOptions_ShouldIgnore(t *testing.T) {
	opts := Options{
		IgnoreHidden:   true,
		IgnorePatterns: []string{"*.tmp", "*.swp", "Thumbs.db"},
	}
	opts.setDefaults()

	tests := []struct {
		name   string
		path   string
		expect bool
	}{
		{"hidden file", "/path/.hidden", true},
		{"hidden directory", "/path/.git/config", true},
		{"tmp file", "/path/file.tmp", true},
		{"swap file", "/path/.main.go.swp", true},
		{"thumbs", "/path/Thumbs.db", true},
		{"normal file", "/path/file.txt", false},
		{"normal path", "/path/to/main.go", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, opts.shouldIgnore(tt.path))
		})
	}
}

func TestOptions_ShouldIgnore_NoIgnoreHidden(t *testing.T) {
	opts := Options{}
	opts.setDefaults()

	assert.False(t, opts.shouldIgnore("/path/.hidden"))
	assert.False(t, opts.shouldIgnore("/path/file.txt"))
}
