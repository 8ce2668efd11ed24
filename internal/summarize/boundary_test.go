package summarize

import (
	"strings"
	"testing"

	"github.com/antoniostano/chatrelay/internal/memory"
)

func turn(role memory.Role, size int) memory.Turn {
	return memory.Turn{Role: role, Content: strings.Repeat("y", size)}
}

func TestSelectBoundaryNeverOrphansAssistant(t *testing.T) {
	for n := 10; n <= 80; n++ {
		history := syntheticHistory(0, n, 2000)
		k, ok := SelectBoundary(history, DefaultPolicy())
		if !ok {
			continue
		}
		if history[k].Role != memory.RoleUser {
			t.Fatalf("n=%d: boundary %d starts with %q", n, k, history[k].Role)
		}
		if k < DefaultPolicy().MinSummarized {
			t.Fatalf("n=%d: boundary %d summarizes too few turns", n, k)
		}
	}
}

func TestSelectBoundaryFallsBackToLargestTailUnderMax(t *testing.T) {
	// The last pair is under the band and the last two pairs are over it.
	history := []memory.Turn{
		turn(memory.RoleUser, 100), turn(memory.RoleAssistant, 100),
		turn(memory.RoleUser, 100), turn(memory.RoleAssistant, 100),
		turn(memory.RoleUser, 100), turn(memory.RoleAssistant, 100),
		turn(memory.RoleUser, 14000), turn(memory.RoleAssistant, 14000),
		turn(memory.RoleUser, 14000), turn(memory.RoleAssistant, 14000),
	}
	p := DefaultPolicy()
	p.RetainMin = 9_000
	p.RetainTarget = 9_500
	p.RetainMax = 10_000

	k, ok := SelectBoundary(history, p)
	if !ok {
		t.Fatalf("SelectBoundary() ok = false, want fallback split")
	}
	if k != 8 {
		t.Fatalf("SelectBoundary() = %d, want 8 (largest tail under max)", k)
	}
}

func TestSelectBoundaryAdjustsPastAssistant(t *testing.T) {
	// Two consecutive user turns shift parity so the stepped walk lands
	// on an assistant turn.
	history := []memory.Turn{
		turn(memory.RoleUser, 3500), turn(memory.RoleAssistant, 3500),
		turn(memory.RoleUser, 3500), turn(memory.RoleUser, 3500),
		turn(memory.RoleAssistant, 3500), turn(memory.RoleUser, 3500),
		turn(memory.RoleAssistant, 3500), turn(memory.RoleUser, 3500),
		turn(memory.RoleAssistant, 3500), turn(memory.RoleUser, 3500),
		turn(memory.RoleAssistant, 3500), turn(memory.RoleUser, 3500),
	}
	p := DefaultPolicy()
	p.RetainMin = 3_000
	p.RetainTarget = 4_000
	p.RetainMax = 5_000

	k, ok := SelectBoundary(history, p)
	if !ok {
		t.Fatalf("SelectBoundary() ok = false")
	}
	if history[k].Role != memory.RoleUser {
		t.Fatalf("boundary %d starts with %q", k, history[k].Role)
	}
}

func TestSelectBoundaryAbortsWhenTooFewSummarized(t *testing.T) {
	history := syntheticHistory(0, 6, 2000)
	p := DefaultPolicy()
	p.RetainMin = 100
	p.RetainTarget = 200
	p.RetainMax = 400
	// Only the last pair fits; aligning leaves k=4, which is allowed, so
	// raise the floor to force the abort.
	p.MinSummarized = 5
	if _, ok := SelectBoundary(history, p); ok {
		t.Fatalf("SelectBoundary() ok = true, want abort")
	}
}
