package supervise

import (
	"bufio"
	"strings"
	"testing"
	"time"
)

func TestStartAndExit(t *testing.T) {
	p, err := Start("sh -c 'echo hello'", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if got := p.Status(); got != StatusExited {
		t.Errorf("Status() = %q, want exited", got)
	}
	if got := p.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
}

func TestExitCodePropagated(t *testing.T) {
	p, err := Start("sh -c 'exit 3'", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	if got := p.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
}

func TestOnExitCallback(t *testing.T) {
	p, err := Start("sh -c 'exit 0'", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	codes := make(chan int, 1)
	p.OnExit(func(code int) { codes <- code })

	select {
	case code := <-codes:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit callback never fired")
	}
}

func TestReadOutput(t *testing.T) {
	p, err := Start("sh -c 'echo ready'", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	scanner := bufio.NewScanner(p.Reader())
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "ready") {
			found = true
			break
		}
	}
	if !found {
		t.Error("did not observe process output")
	}
	<-p.Done()
}

func TestStopTerminates(t *testing.T) {
	p, err := Start("sleep 30", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := p.Status(); got != StatusExited {
		t.Errorf("Status() = %q after Stop, want exited", got)
	}
	// A second Stop is a no-op.
	p.Stop()
}

func TestMarkRunning(t *testing.T) {
	p, err := Start("sleep 5", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if got := p.Status(); got != StatusConnected {
		t.Fatalf("Status() = %q, want connected", got)
	}
	p.MarkRunning()
	if got := p.Status(); got != StatusRunning {
		t.Errorf("Status() = %q, want running", got)
	}
}

func TestBadCommand(t *testing.T) {
	if _, err := Start("", t.TempDir(), nil); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := Start("sh -c 'unterminated", t.TempDir(), nil); err == nil {
		t.Error("untokenizable command accepted")
	}
	if _, err := Start("/no/such/binary-xyz", t.TempDir(), nil); err == nil {
		t.Error("missing binary accepted")
	}
}

func TestOnExitAfterExitFiresImmediately(t *testing.T) {
	p, err := Start("sh -c 'exit 7'", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	// Registration after exit must still deliver the exit notification.
	codeCh := make(chan int, 1)
	p.OnExit(func(code int) { codeCh <- code })
	select {
	case code := <-codeCh:
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit callback did not fire for an exited process")
	}
}
