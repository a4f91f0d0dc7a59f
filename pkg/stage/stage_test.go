package stage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStage_Validate(t *testing.T) {
	base := Stage{Name: "parse", Executable: "python", Stdin: InputNone, Stdout: OutputInherit}

	tests := []struct {
		name       string
		mutate     func(s *Stage)
		errContain string
	}{
		{"valid", func(s *Stage) {}, ""},
		{"missing name", func(s *Stage) { s.Name = " " }, "stage name is required"},
		{"missing executable", func(s *Stage) { s.Executable = "" }, "executable is required"},
		{"bad stdin", func(s *Stage) { s.Stdin = "file" }, "unknown stdin policy"},
		{"bad stdout", func(s *Stage) { s.Stdout = "tee" }, "unknown stdout policy"},
		{"capture without format", func(s *Stage) { s.Stdout = OutputCapture }, "needs a payload format"},
		{"capture with format", func(s *Stage) { s.Stdout = OutputCapture; s.Payload = rawFormat{} }, ""},
		{"negative timeout", func(s *Stage) { s.Timeout = -1 }, "timeout must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.errContain == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errContain)
			}
		})
	}
}

func TestStage_CommandLine(t *testing.T) {
	s := Stage{Executable: "./python-virtualenv/bin/python", Args: []string{"parse-pubmed-files", "Retractions"}}
	assert.Equal(t, "./python-virtualenv/bin/python parse-pubmed-files Retractions", s.CommandLine())
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindNonZeroExit, Stage: "load", ExitCode: 1}, "stage load: exited with code 1"},
		{&Error{Kind: KindNonZeroExit, Stage: "load", ExitCode: -1, Signal: "terminated"}, "stage load: terminated by signal terminated"},
		{&Error{Kind: KindLaunchFailed, Stage: "download", Err: errors.New("no such file")}, "stage download: launch failed: no such file"},
		{&Error{Kind: KindPayloadMalformed, Stage: "parse", Err: errors.New("eof")}, "stage parse: output is not a valid payload: eof"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), &Error{Kind: KindTimedOut, Stage: "x"})
	assert.Equal(t, KindTimedOut, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
