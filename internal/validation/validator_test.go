package validation_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/validation"
)

type inner struct {
	Interval time.Duration `json:"interval" validate:"gte=10ms"`
}

type testConfig struct {
	Paths []string `json:"paths" validate:"dive,required,abspath"`
	Mode  string   `json:"mode" validate:"oneof=auto polling"`
	Addr  string   `json:"addr" validate:"omitempty,hostname_port"`
	Inner inner    `json:"inner"`
}

func valid() testConfig {
	return testConfig{
		Paths: []string{"/tmp/a", "/var/log"},
		Mode:  "auto",
		Inner: inner{Interval: time.Second},
	}
}

func TestValidator_ValidateSuccess(t *testing.T) {
	v := validation.New()

	assert.NoError(t, v.Validate(valid()))
}

func TestValidator_ValidateErrors(t *testing.T) {
	v := validation.New()

	tests := []struct {
		name      string
		mutate    func(*testConfig)
		wantField string
		wantMsg   string
	}{
		{
			name:      "relative path",
			mutate:    func(c *testConfig) { c.Paths = []string{"rel/path"} },
			wantField: "paths[0]",
			wantMsg:   "must be an absolute path",
		},
		{
			name:      "uncleaned path",
			mutate:    func(c *testConfig) { c.Paths = []string{"/tmp/../tmp/a"} },
			wantField: "paths[0]",
			wantMsg:   "must be an absolute path",
		},
		{
			name:      "bad mode",
			mutate:    func(c *testConfig) { c.Mode = "fast" },
			wantField: "mode",
			wantMsg:   "must be one of: auto polling",
		},
		{
			name:      "bad addr",
			mutate:    func(c *testConfig) { c.Addr = "not an addr" },
			wantField: "addr",
			wantMsg:   "must be host:port",
		},
		{
			name:      "interval too small",
			mutate:    func(c *testConfig) { c.Inner.Interval = time.Millisecond },
			wantField: "inner.interval",
			wantMsg:   "must be greater than or equal to 10ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := v.Validate(cfg)
			require.Error(t, err)

			var domainErr *errors.Error
			require.True(t, errors.As(err, &domainErr))
			assert.Equal(t, http.StatusBadRequest, domainErr.HTTPStatus())

			details, ok := domainErr.Details.(map[string]string)
			require.True(t, ok)
			assert.Equal(t, tt.wantMsg, details[tt.wantField])
		})
	}
}
