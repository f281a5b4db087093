// MODUL: demo_test
// ZWECK: Tests fuer die Backend-Auswahl des Demo-Commands

package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kvbridge/kvbridge/kvstate"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	cli := NewCLI()
	cli.SetOut(&bytes.Buffer{})
	cli.SetErr(&bytes.Buffer{})
	cli.SetArgs(args)
	return cli.Execute()
}

func TestDemoFailsFastWithoutBackend(t *testing.T) {
	t.Setenv("KVBRIDGE_BACKEND", "")
	if err := runCLI(t, "demo"); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration when no backend is selected", err)
	}
}

func TestDemoBackendFromEnvironment(t *testing.T) {
	t.Setenv("KVBRIDGE_BACKEND", "inproc")
	if err := runCLI(t, "demo", "--requests", "1", "--tokens", "16"); err != nil {
		t.Fatal(err)
	}
}
