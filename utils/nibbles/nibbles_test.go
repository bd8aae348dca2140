package nibbles

import "testing"

func TestSetGet(t *testing.T) {
	n := Make(5)
	values := []byte{1, 2, 4, 8, 15}
	for i, v := range values {
		n.Set(i, v)
	}
	for i, v := range values {
		if got := n.Get(i); got != v {
			t.Errorf("nibble %v: got %v, expected %v", i, got, v)
		}
	}
	if raw := n.Bytes(); len(raw) != 3 || raw[0] != 0x12 || raw[1] != 0x48 || raw[2] != 0xF0 {
		t.Errorf("unexpected packing %x", raw)
	}
	if s := n.String(); s != "[1 2 4 8 15]" {
		t.Errorf("String returned %v", s)
	}
}

func TestReflectMakeTranslate(t *testing.T) {
	table := [16]byte{'=', 'A', 'C', 'M', 'G', 'R', 'S', 'V', 'T', 'W', 'Y', 'H', 'K', 'D', 'B', 'N'}
	n := ReflectMake(3, 0, []byte{0x12, 0x40})
	if s := n.Translate(&table); s != "ACG" {
		t.Errorf("Translate returned %v", s)
	}
	if e := n.Expand(); len(e) != 3 || e[2] != 4 {
		t.Errorf("Expand returned %v", e)
	}
	odd := ReflectMake(2, 1, []byte{0x12, 0x40})
	if s := odd.Translate(&table); s != "CG" {
		t.Errorf("offset Translate returned %v", s)
	}
}

func TestEmpty(t *testing.T) {
	n := ReflectMake(0, 0, nil)
	if n.Len() != 0 || n.String() != "[]" || len(n.Bytes()) != 0 {
		t.Error("empty nibbles misbehave")
	}
}
