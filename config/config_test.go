package config

import (
	"testing"
)

func TestKeyNamesRoundTrip(t *testing.T) {
	keys := []Key{SampleRate, LimitSamples, LimitMillis, PatternMode,
		Averaging, AvgSamples, Conn, SerialComm, ModbusAddr}
	for _, k := range keys {
		got, ok := ParseKey(k.String())
		if !ok {
			t.Errorf("%s did not parse", k)
			continue
		}
		if got != k {
			t.Errorf("%s parsed to %v", k, got)
		}
	}
	if _, ok := ParseKey("bogus"); ok {
		t.Error("expected bogus to not parse")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(uint64(1)) != KindUint64 {
		t.Error("uint64 misclassified")
	}
	if KindOf("x") != KindString {
		t.Error("string misclassified")
	}
	if KindOf(true) != KindBool {
		t.Error("bool misclassified")
	}
	if KindOf(1.5) != KindFloat64 {
		t.Error("float64 misclassified")
	}
	if KindOf(int(1)) != 0 {
		t.Error("int must not classify; options take uint64")
	}
}

func TestCapabilitiesHas(t *testing.T) {
	c := CapGet | CapSet
	if !c.Has(CapGet) || !c.Has(CapSet) || !c.Has(CapGet|CapSet) {
		t.Error("expected get and set present")
	}
	if c.Has(CapList) {
		t.Error("expected list absent")
	}
}

func TestSteppedRangeAllows(t *testing.T) {
	r := SteppedRange{Min: 100, Max: 1000, Step: 100}
	if !r.Allows(uint64(100)) || !r.Allows(uint64(500)) || !r.Allows(uint64(1000)) {
		t.Error("on-grid values rejected")
	}
	if r.Allows(uint64(150)) {
		t.Error("off-grid value accepted")
	}
	if r.Allows(uint64(50)) || r.Allows(uint64(1100)) {
		t.Error("out of range value accepted")
	}
	if r.Allows("100") {
		t.Error("wrong kind accepted")
	}
}

func TestListAllows(t *testing.T) {
	l := List{Values: []interface{}{"a", "b"}}
	if !l.Allows("a") {
		t.Error("member rejected")
	}
	if l.Allows("c") {
		t.Error("non-member accepted")
	}
}

func TestOptionCheck(t *testing.T) {
	opt := Option{
		Key:        SampleRate,
		Caps:       CapGet | CapSet,
		Constraint: Range{Min: 10, Max: 100},
	}
	if err := opt.Check(uint64(50)); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}
	if err := opt.Check("fast"); err == nil {
		t.Error("wrong kind accepted")
	}
	if err := opt.Check(uint64(5)); err == nil {
		t.Error("out of range value accepted")
	}

	unconstrained := Option{Key: PatternMode, Caps: CapSet}
	if err := unconstrained.Check("anything"); err != nil {
		t.Errorf("unconstrained option rejected a valid kind: %v", err)
	}
}

func TestFind(t *testing.T) {
	opts := []Option{{Key: SampleRate}, {Key: LimitSamples}}
	if _, ok := Find(opts, LimitSamples); !ok {
		t.Error("present key not found")
	}
	if _, ok := Find(opts, Conn); ok {
		t.Error("absent key found")
	}
}
