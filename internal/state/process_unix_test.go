//go:build unix

package state

import (
	"os"
	"testing"
)

func TestProcessAlive(t *testing.T) {
	t.Parallel()
	if !processAlive(os.Getpid()) {
		t.Errorf("own pid should be alive")
	}
	if processAlive(999999999) {
		t.Errorf("pid 999999999 should not exist")
	}
	if processAlive(0) || processAlive(-1) {
		t.Errorf("non-positive pids are never alive")
	}
}
