package main

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    action
		wantErr string
	}{
		{name: "up", args: []string{"-up"}, want: action{kind: "up"}},
		{name: "steps down", args: []string{"-steps", "-2"}, want: action{kind: "steps", steps: -2}},
		{name: "force zero", args: []string{"-force", "0"}, want: action{kind: "force"}},
		{name: "version", args: []string{"-version"}, want: action{kind: "version"}},
		{name: "nothing", args: nil, wantErr: "no action specified"},
		{name: "two actions", args: []string{"-up", "-down"}, wantErr: "only one action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, opts.action)
		})
	}

	opts, err := parseFlags([]string{"-up", "-dsn", "postgres://localhost/x", "-path", "db/migrations"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/x", opts.dsn)
	assert.Equal(t, "db/migrations", opts.path)
}

type fakeMigrator struct {
	calls []string
	err   error
}

func (f *fakeMigrator) Up() error { f.calls = append(f.calls, "up"); return f.err }
func (f *fakeMigrator) Down() error { f.calls = append(f.calls, "down"); return f.err }
func (f *fakeMigrator) Steps(n int) error { f.calls = append(f.calls, "steps"); return f.err }
func (f *fakeMigrator) Force(v int) error { f.calls = append(f.calls, "force"); return f.err }

func TestApply(t *testing.T) {
	m := &fakeMigrator{}
	for _, a := range []action{{kind: "up"}, {kind: "down"}, {kind: "steps", steps: 1}, {kind: "force", force: 3}, {kind: "version"}} {
		require.NoError(t, apply(m, a, zerolog.Nop()))
	}
	assert.Equal(t, []string{"up", "down", "steps", "force"}, m.calls)

	failing := &fakeMigrator{err: errors.New("dirty database version 3")}
	err := apply(failing, action{kind: "up"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up: dirty database version 3")

	assert.ErrorIs(t, apply(m, action{kind: "sideways"}, zerolog.Nop()), errNoAction)
}
