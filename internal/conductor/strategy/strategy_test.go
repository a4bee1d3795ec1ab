package strategy

import "testing"

func TestResolve_Empty(t *testing.T) {
	s := Resolve(nil)
	if s.CI != CIImmediate {
		t.Errorf("expected immediate CI, got %s", s.CI)
	}
	if s.Branch != BranchHierarchical {
		t.Errorf("expected hierarchical branches, got %s", s.Branch)
	}
	if s.Skip {
		t.Error("expected skip=false")
	}
}

func TestResolve_Deterministic(t *testing.T) {
	labels := []string{TagComplex, TagFlat}
	first := Resolve(labels)
	second := Resolve(labels)
	if first != second {
		t.Fatalf("resolve is not deterministic: %+v vs %+v", first, second)
	}
}

func TestResolve_SimpleIsDocumentary(t *testing.T) {
	// bot:simple and no tag both yield immediate CI.
	tagged := Resolve([]string{TagSimple})
	untagged := Resolve(nil)
	if tagged.CI != CIImmediate || untagged.CI != CIImmediate {
		t.Fatalf("expected immediate for both, got %s and %s", tagged.CI, untagged.CI)
	}
}

func TestResolve_Complex(t *testing.T) {
	if s := Resolve([]string{TagComplex}); s.CI != CIApprovalRequired {
		t.Fatalf("expected approval_required, got %s", s.CI)
	}
}

func TestResolve_Skip(t *testing.T) {
	if s := Resolve([]string{TagSkip}); !s.Skip {
		t.Fatal("expected skip=true")
	}
}

func TestResolve_FlatWinsOverHierarchical(t *testing.T) {
	// Documented precedence: flat is evaluated first.
	s := Resolve([]string{TagHierarchical, TagFlat})
	if s.Branch != BranchFlat {
		t.Fatalf("expected flat to win, got %s", s.Branch)
	}
	s = Resolve([]string{TagFlat, TagHierarchical})
	if s.Branch != BranchFlat {
		t.Fatalf("expected flat to win regardless of label order, got %s", s.Branch)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	s := Resolve([]string{"Bot:Complex", "BOT:FLAT", "bOt:SkIp"})
	if s.CI != CIApprovalRequired || s.Branch != BranchFlat || !s.Skip {
		t.Fatalf("case-insensitive resolution failed: %+v", s)
	}
}

func TestResolve_UnknownLabelsIgnored(t *testing.T) {
	s := Resolve([]string{"bug", "help wanted", "bot:unknown"})
	if s != (Strategy{CI: CIImmediate, Branch: BranchHierarchical}) {
		t.Fatalf("unknown labels should not change the default: %+v", s)
	}
}

func TestBranchNames_Hierarchical(t *testing.T) {
	if got := AnalysisBranch(BranchHierarchical, 42, "Fix login"); got != "analysis/42-fix-login" {
		t.Errorf("analysis branch = %q", got)
	}
	if got := ActionBranch(BranchHierarchical, 42, 0, "add-null-check"); got != "action/42-add-null-check" {
		t.Errorf("action branch = %q", got)
	}
}

func TestBranchNames_Flat(t *testing.T) {
	if got := AnalysisBranch(BranchFlat, 7, "anything"); got != "" {
		t.Errorf("flat issues have no analysis branch, got %q", got)
	}
	if got := ActionBranch(BranchFlat, 7, 0, "action-1"); got != "bot/7-action-1" {
		t.Errorf("action branch = %q", got)
	}
	if got := ActionBranch(BranchFlat, 7, 1, "action-2"); got != "bot/7-action-2" {
		t.Errorf("action branch = %q", got)
	}
}

// Action names with no sluggable characters must still produce distinct
// branches per action.
func TestBranchNames_EmptySlugFallsBackToIndex(t *testing.T) {
	first := ActionBranch(BranchHierarchical, 42, 0, "___")
	second := ActionBranch(BranchHierarchical, 42, 1, "!!!")
	if first != "action/42-action-1" {
		t.Errorf("first branch = %q", first)
	}
	if second != "action/42-action-2" {
		t.Errorf("second branch = %q", second)
	}
	if first == second {
		t.Fatal("unsluggable action names must not collide")
	}
	if got := AnalysisBranch(BranchHierarchical, 42, "???"); got != "analysis/42" {
		t.Errorf("analysis branch = %q", got)
	}
}

func TestSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Fix login", "fix-login"},
		{"Add null-check!", "add-null-check"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"CamelCase123", "camelcase123"},
		{"___", ""},
	}
	for _, c := range cases {
		if got := Slug(c.in); got != c.want {
			t.Errorf("Slug(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
