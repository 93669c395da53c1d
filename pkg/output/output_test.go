package output_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/items/blank"
	"github.com/openfroyo/peace/pkg/output"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/stores"
)

func intPtr(v int) *int { return &v }

func testStates() *resources.States[ts.Current] {
	states := resources.NewStates[ts.Current]()
	states.Insert("a", blank.State{Value: intPtr(41)})
	states.InsertUnknown("b")
	return states
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    output.Format
		wantErr bool
	}{
		{in: "", want: output.FormatText},
		{in: "text", want: output.FormatText},
		{in: "YAML", want: output.FormatYAML},
		{in: "json", want: output.FormatJSON},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := output.ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCLIOutput_WriteStates(t *testing.T) {
	tests := []struct {
		format output.Format
		want   []string
	}{
		{format: output.FormatText, want: []string{"States current", "a: 41", "b: <unknown>"}},
		{format: output.FormatYAML, want: []string{"a:\n    value: 41", "b: null"}},
		{format: output.FormatJSON, want: []string{`"phase": "current"`, `"item_id": "a"`, `"value": 41`}},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			out := output.NewCLIOutput(&buf, tt.format)
			if err := out.WriteStates("current", testStates()); err != nil {
				t.Fatalf("WriteStates failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("Expected output to contain %q, got:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestCLIOutput_WriteStates_Order(t *testing.T) {
	states := resources.NewStates[ts.Goal]()
	for _, id := range []resources.ItemID{"zeta", "alpha", "mid"} {
		states.Insert(id, blank.State{Value: intPtr(1)})
	}

	var buf bytes.Buffer
	if err := output.NewCLIOutput(&buf, output.FormatText).WriteStates("goal", states); err != nil {
		t.Fatalf("WriteStates failed: %v", err)
	}
	s := buf.String()
	if !(strings.Index(s, "zeta") < strings.Index(s, "alpha") && strings.Index(s, "alpha") < strings.Index(s, "mid")) {
		t.Errorf("Expected items in insertion order, got:\n%s", s)
	}
}

func TestCLIOutput_WriteDiffs(t *testing.T) {
	diffs := resources.NewStateDiffs()
	diffs.Insert("a", blank.Diff{Kind: blank.DiffAdded, Value: 42})

	var buf bytes.Buffer
	if err := output.NewCLIOutput(&buf, output.FormatText).WriteDiffs(diffs); err != nil {
		t.Fatalf("WriteDiffs failed: %v", err)
	}
	if !strings.Contains(buf.String(), "a: add 42") {
		t.Errorf("Expected diff line, got:\n%s", buf.String())
	}
}

func TestCLIOutput_WriteOutcome(t *testing.T) {
	o := output.Outcome{
		Command: "ensure",
		Kind:    cmdblocks.CmdOutcomeItemError,
		Errors: map[resources.ItemID]error{
			"b": engine.NewPermanentError("disk full", nil).WithCode(engine.ErrCodeItemFn),
			"a": engine.NewTransientError("timeout", nil),
		},
	}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := output.NewCLIOutput(&buf, output.FormatText).WriteOutcome(o); err != nil {
			t.Fatalf("WriteOutcome failed: %v", err)
		}
		s := buf.String()
		if !strings.Contains(s, "ensure failed for 2 item(s)") {
			t.Errorf("Expected failure summary, got:\n%s", s)
		}
		if strings.Index(s, "a:") > strings.Index(s, "b:") {
			t.Errorf("Expected errors sorted by item ID, got:\n%s", s)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := output.NewCLIOutput(&buf, output.FormatJSON).WriteOutcome(o); err != nil {
			t.Fatalf("WriteOutcome failed: %v", err)
		}
		var got struct {
			Outcome string `json:"outcome"`
			Errors  []struct {
				ItemID string `json:"item_id"`
				Class  string `json:"class"`
				Code   string `json:"code"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got.Outcome != "item_error" || len(got.Errors) != 2 {
			t.Fatalf("Expected item_error with 2 errors, got %+v", got)
		}
		if got.Errors[1].ItemID != "b" || got.Errors[1].Code != engine.ErrCodeItemFn || got.Errors[1].Class != "permanent" {
			t.Errorf("Expected classified error for b, got %+v", got.Errors[1])
		}
	})

	t.Run("complete", func(t *testing.T) {
		var buf bytes.Buffer
		err := output.NewCLIOutput(&buf, output.FormatText).WriteOutcome(output.Outcome{Command: "clean", Kind: cmdblocks.CmdOutcomeComplete})
		if err != nil {
			t.Fatalf("WriteOutcome failed: %v", err)
		}
		if !strings.Contains(buf.String(), "clean complete") {
			t.Errorf("Expected completion line, got:\n%s", buf.String())
		}
	})
}

func TestCLIOutput_WriteExecutions(t *testing.T) {
	msg := "boom"
	execs := []*stores.Execution{
		{ID: "e1", Command: "ensure", Profile: "dev", Status: stores.ExecutionStatusComplete, StartedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: "e2", Command: "clean", Profile: "dev", Status: stores.ExecutionStatusFailed, Error: &msg},
	}

	var buf bytes.Buffer
	if err := output.NewCLIOutput(&buf, output.FormatText).WriteExecutions(execs); err != nil {
		t.Fatalf("WriteExecutions failed: %v", err)
	}
	for _, want := range []string{"2025-01-02 03:04:05", "ensure", "complete", "e1", "failed", "e2"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := output.NewCLIOutput(&buf, output.FormatJSON).WriteExecutions(nil); err != nil {
		t.Fatalf("WriteExecutions failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %s", buf.String())
	}
}

func TestCLIOutput_WriteExecution(t *testing.T) {
	msg := "stale"
	e := &stores.Execution{
		ID: "e1", Command: "ensure", FlowID: "envman", Profile: "dev", Status: stores.ExecutionStatusItemError,
		Items: []*stores.ItemOutcome{{ItemID: "a", Status: "applied"}, {ItemID: "b", Status: "exec_failed", Error: &msg}},
	}

	var buf bytes.Buffer
	if err := output.NewCLIOutput(&buf, output.FormatYAML).WriteExecution(e); err != nil {
		t.Fatalf("WriteExecution failed: %v", err)
	}
	for _, want := range []string{"flow_id: envman", "item_id: b", "error: stale"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, buf.String())
		}
	}
}

func TestCLIOutput_WriteError(t *testing.T) {
	err := engine.NewPermanentError("states not discovered", nil).WithCode(engine.ErrCodeStatesCurrentDiscoverRequired)

	var buf bytes.Buffer
	if werr := output.NewCLIOutput(&buf, output.FormatJSON).WriteError(err); werr != nil {
		t.Fatalf("WriteError failed: %v", werr)
	}
	if !strings.Contains(buf.String(), engine.ErrCodeStatesCurrentDiscoverRequired) {
		t.Errorf("Expected error code in output, got %s", buf.String())
	}

	buf.Reset()
	if werr := output.NewCLIOutput(&buf, output.FormatText).WriteMessage("hi"); werr != nil {
		t.Fatalf("WriteMessage failed: %v", werr)
	}
	if buf.String() != "hi\n" {
		t.Errorf("Expected message, got %q", buf.String())
	}
}

func ExampleCLIOutput_WriteStates() {
	states := resources.NewStates[ts.Goal]()
	states.Insert("app", blank.State{Value: intPtr(3)})

	_ = output.NewCLIOutput(&bytes.Buffer{}, output.FormatText).WriteStates("goal", states)
}
