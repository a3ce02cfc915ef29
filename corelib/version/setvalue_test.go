package version

import "testing"

type widget struct {
	Name string
	N    int
}

func TestSetOpensAndClosesVersions(t *testing.T) {
	var m SetValueModel[widget]
	m.Set(widget{Name: "a", N: 1}, 5)
	m.Set(widget{Name: "a", N: 2}, 8)

	values := m.GetValues()
	if len(values) != 2 {
		t.Fatalf("len(values) = %d, want 2", len(values))
	}
	if values[0].Start != 5 || values[0].End != 8 {
		t.Fatalf("first version range = [%d,%d), want [5,8)", values[0].Start, values[0].End)
	}
	if values[1].Start != 8 || values[1].End != Infinity {
		t.Fatalf("second version range = [%d,%d), want [8,inf)", values[1].Start, values[1].End)
	}
}

func TestSetAtSameStartReplacesInPlace(t *testing.T) {
	var m SetValueModel[widget]
	m.Set(widget{Name: "a", N: 1}, 5)
	m.Set(widget{Name: "a", N: 2}, 5)

	values := m.GetValues()
	if len(values) != 1 {
		t.Fatalf("len(values) = %d, want 1 (in-place replace)", len(values))
	}
	if values[0].Data.N != 2 {
		t.Fatalf("Data.N = %d, want 2", values[0].Data.N)
	}
}

func TestSetBeforeLastStartPanics(t *testing.T) {
	var m SetValueModel[widget]
	m.Set(widget{Name: "a"}, 10)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic setting at a height before the last start")
		}
	}()
	m.Set(widget{Name: "a"}, 5)
}

func TestMarkAsRemovedIdempotent(t *testing.T) {
	var m SetValueModel[widget]
	m.Set(widget{Name: "a"}, 1)
	m.MarkAsRemoved(7)
	m.MarkAsRemoved(7) // second call is a no-op, not an error

	values := m.GetValues()
	if len(values) != 1 || values[0].End != 7 {
		t.Fatalf("values = %+v, want single version ending at 7", values)
	}
}

func TestGetLatestAndGetFirst(t *testing.T) {
	var m SetValueModel[widget]
	if _, ok := m.GetLatest(); ok {
		t.Fatal("GetLatest on empty model should report not found")
	}
	m.Set(widget{Name: "first"}, 1)
	m.Set(widget{Name: "second"}, 5)

	first, ok := m.GetFirst()
	if !ok || first.Name != "first" {
		t.Fatalf("GetFirst() = (%+v,%v), want first", first, ok)
	}
	latest, ok := m.GetLatest()
	if !ok || latest.Name != "second" {
		t.Fatalf("GetLatest() = (%+v,%v), want second", latest, ok)
	}
}

func TestIsMatchDataLooksAtLatestOnly(t *testing.T) {
	var m SetValueModel[widget]
	m.Set(widget{Name: "old"}, 1)
	m.Set(widget{Name: "new"}, 5)

	byName := func(w widget) any { return w.Name }
	if m.IsMatchData(byName, "old") {
		t.Fatal("IsMatchData should only consider the latest version")
	}
	if !m.IsMatchData(byName, "new") {
		t.Fatal("IsMatchData should match the latest version's field")
	}
	if !m.IsMatchData(nil, "anything") {
		t.Fatal("a nil accessor should match any value")
	}
}
