package config

import (
	"testing"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

func TestSlotRuleEval(t *testing.T) {
	log := engine.NewStack(engine.Fingerprint{Item: "log", Variant: 2, Tag: "wood:birch"}, 1)

	tests := []struct {
		name    string
		expr    string
		slot    int
		want    bool
		wantErr bool
	}{
		{"item match", `item == "log"`, 0, true, false},
		{"slot bound", `slot == 1`, 0, false, false},
		{"variant set", `variant in (0, 2)`, 0, true, false},
		{"tag prefix", `tag.startswith("wood:")`, 0, true, false},
		{"world name", `world == "overworld"`, 0, true, false},
		{"non bool", `item`, 0, false, true},
		{"runtime error", `1 // 0 == 0`, 0, false, true},
		{"unbounded loop", `len([x for x in range(100000000)]) > 0`, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := CompileSlotRule(tt.expr)
			if err != nil {
				t.Fatalf("CompileSlotRule failed: %v", err)
			}
			got, err := rule.Eval(tt.slot, log, world{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
			if tt.wantErr && rule.Predicate()(tt.slot, log, world{}) {
				t.Error("Expected failing rule to reject the candidate")
			}
		})
	}
}

func TestCompileSlotRuleErrors(t *testing.T) {
	for _, expr := range []string{"", "slot ==", "undefined_name"} {
		if _, err := CompileSlotRule(expr); err == nil {
			t.Errorf("Expected compile error for %q", expr)
		}
	}
}
