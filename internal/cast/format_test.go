package cast

import "testing"

func TestFinalizeOrdersAndDefaults(t *testing.T) {
	records := []Record{
		{Name: "甲", Character: "主角", Order: 2},
		{Name: "乙", Character: "", Order: 0},
		{Name: "丙", Character: "配角", Order: OrderUnset}, // unknown order sorts last
	}

	got := Finalize(records, FormatOptions{})

	if len(got) != 3 {
		t.Fatalf("Finalize() returned %d records, want 3", len(got))
	}
	// 乙 (order 0) leads but its empty role becomes the generic
	// placeholder, which is pushed to the tail.
	if got[0].Name != "甲" || got[1].Name != "丙" || got[2].Name != "乙" {
		t.Fatalf("unexpected order: %s, %s, %s", got[0].Name, got[1].Name, got[2].Name)
	}
	if got[2].Character != "演员" {
		t.Errorf("empty role = %q, want 演员", got[2].Character)
	}
	for i, r := range got {
		if r.Order != i {
			t.Errorf("record %d has order %d, want %d", i, r.Order, i)
		}
	}
}

func TestFinalizeAnimationSuffix(t *testing.T) {
	records := []Record{
		{Name: "甲", Character: "孙悟空", Order: 0},
		{Name: "乙", Character: "唐僧 (配音)", Order: 1},
		{Name: "丙", Character: "", Order: 2},
	}

	got := Finalize(records, FormatOptions{IsAnimation: true})

	if got[0].Character != "孙悟空 (配音)" {
		t.Errorf("role = %q, want 孙悟空 (配音)", got[0].Character)
	}
	// Cleaning strips the old bracket suffix, formatting re-adds exactly one.
	if got[1].Character != "唐僧 (配音)" {
		t.Errorf("role = %q, want 唐僧 (配音)", got[1].Character)
	}
	if got[2].Character != "配音" {
		t.Errorf("empty animation role = %q, want 配音", got[2].Character)
	}
}

func TestFinalizeRolePrefix(t *testing.T) {
	records := []Record{
		{Name: "甲", Character: "张无忌", Order: 0},
		{Name: "乙", Character: "演员", Order: 1},
		{Name: "丙", Character: "", Order: 2},
	}

	got := Finalize(records, FormatOptions{AddRolePrefix: true})

	if got[0].Character != "饰 张无忌" {
		t.Errorf("role = %q, want 饰 张无忌", got[0].Character)
	}
	if got[1].Character != "演员" {
		t.Errorf("generic role should not get a prefix, got %q", got[1].Character)
	}
	if got[2].Character != "演员" {
		t.Errorf("empty role = %q, want 演员", got[2].Character)
	}
}

func TestFinalizeCleansAndCompactsRoles(t *testing.T) {
	records := []Record{
		{Name: "甲", Character: "饰 灭 霸 (反派)", Order: 0},
		{Name: "乙", Character: "as Neo", Order: 1},
	}

	got := Finalize(records, FormatOptions{})

	if got[0].Character != "灭霸" {
		t.Errorf("role = %q, want 灭霸", got[0].Character)
	}
	if got[1].Character != "Neo" {
		t.Errorf("role = %q, want Neo", got[1].Character)
	}
}

func TestFinalizeDisambiguatesDuplicateNames(t *testing.T) {
	records := []Record{
		{Name: "张伟", Character: "角色一", Order: 0},
		{Name: "张伟", Character: "角色二", Order: 1},
	}

	got := Finalize(records, FormatOptions{})

	if got[0].Name != "张伟" {
		t.Errorf("first name = %q, want clean 张伟", got[0].Name)
	}
	if got[1].Name != "张伟​" {
		t.Errorf("second name = %q, want zero-width padded", got[1].Name)
	}
}

func TestFinalizeGenericRolesKeepRelativeOrder(t *testing.T) {
	records := []Record{
		{Name: "甲", Character: "演员", Order: 0},
		{Name: "乙", Character: "主角", Order: 1},
		{Name: "丙", Character: "配音", Order: 2},
		{Name: "丁", Character: "配角", Order: 3},
	}

	got := Finalize(records, FormatOptions{})

	wantNames := []string{"乙", "丁", "甲", "丙"}
	for i, want := range wantNames {
		if got[i].Name != want {
			t.Errorf("position %d = %s, want %s", i, got[i].Name, want)
		}
	}
}

func TestFinalizeDoesNotMutateInput(t *testing.T) {
	records := []Record{{Name: "甲", Character: "as Neo", Order: 5}}

	_ = Finalize(records, FormatOptions{})

	if records[0].Character != "as Neo" || records[0].Order != 5 {
		t.Errorf("input mutated: %+v", records[0])
	}
}
