// Package output renders command results for people and for machines.
//
// Commands hand states, diffs, outcomes and history records to an
// OutputWriter; nothing below the CLI formats text itself.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/stores"
)

// Format selects how CLIOutput renders values.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat returns the format named s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatYAML, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Outcome is the render-ready summary of a command execution.
type Outcome struct {
	Command string
	Kind    cmdblocks.CmdOutcomeKind
	Errors  map[resources.ItemID]error
}

// OutcomeOf summarizes a command outcome.
func OutcomeOf[T any](command string, o cmdblocks.CmdOutcome[T]) Outcome {
	return Outcome{Command: command, Kind: o.Kind, Errors: o.Errors}
}

// OutputWriter receives what commands produce.
type OutputWriter interface {
	WriteStates(phase string, states storage.Entries) error
	WriteDiffs(diffs *resources.StateDiffs) error
	WriteOutcome(o Outcome) error
	WriteExecutions(execs []*stores.Execution) error
	WriteExecution(exec *stores.Execution) error
	WriteError(err error) error
	WriteMessage(msg string) error
}

// CLIOutput writes to a terminal or a pipe.
type CLIOutput struct {
	w      io.Writer
	format Format
	styles styles
}

type styles struct {
	title   lipgloss.Style
	itemID  lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7")),
		itemID:  r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#6C7A89")),
		success: r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
		warning: r.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
		err:     r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
	}
}

// NewCLIOutput creates a CLIOutput writing to w. Colors are only used when
// w is a terminal.
func NewCLIOutput(w io.Writer, format Format) *CLIOutput {
	if format == "" {
		format = FormatText
	}
	return &CLIOutput{w: w, format: format, styles: newStyles(lipgloss.NewRenderer(w))}
}

var _ OutputWriter = (*CLIOutput)(nil)

type entry struct {
	ItemID string `json:"item_id"`
	Value  any    `json:"value"`
}

func collect(e storage.Entries) []entry {
	var out []entry
	e.Range(func(id resources.ItemID, value any) bool {
		out = append(out, entry{ItemID: id.String(), Value: value})
		return true
	})
	return out
}

func (o *CLIOutput) writeJSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *CLIOutput) writeYAML(v any) error {
	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (o *CLIOutput) writeEntries(title string, e storage.Entries) error {
	switch o.format {
	case FormatJSON:
		return o.writeJSON(map[string]any{"phase": title, "entries": collect(e)})
	case FormatYAML:
		data, err := storage.MarshalEntries(e)
		if err != nil {
			return err
		}
		_, err = o.w.Write(data)
		return err
	}

	var b strings.Builder
	b.WriteString(o.styles.title.Render(title))
	b.WriteString("\n")
	entries := collect(e)
	if len(entries) == 0 {
		b.WriteString(o.styles.muted.Render("  (no items)"))
		b.WriteString("\n")
	}
	for _, en := range entries {
		value := o.styles.muted.Render("<unknown>")
		if en.Value != nil {
			value = fmt.Sprint(en.Value)
		}
		fmt.Fprintf(&b, "  %s: %s\n", o.styles.itemID.Render(en.ItemID), value)
	}
	_, err := io.WriteString(o.w, b.String())
	return err
}

// WriteStates renders one phase's states in item order.
func (o *CLIOutput) WriteStates(phase string, states storage.Entries) error {
	if o.format != FormatText {
		return o.writeEntries(phase, states)
	}
	return o.writeEntries("States "+phase, states)
}

// WriteDiffs renders state diffs in item order.
func (o *CLIOutput) WriteDiffs(diffs *resources.StateDiffs) error {
	if o.format != FormatText {
		return o.writeEntries("diff", diffs)
	}
	return o.writeEntries("Diffs", diffs)
}

type errorView struct {
	ItemID  string `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Class   string `json:"class,omitempty" yaml:"class,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func viewOf(itemID string, err error) errorView {
	v := errorView{ItemID: itemID, Message: err.Error()}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		v.Class = string(engErr.Class)
		v.Code = engErr.Code
	}
	return v
}

func sortedErrors(errs map[resources.ItemID]error) []errorView {
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)

	out := make([]errorView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewOf(id, errs[resources.ItemID(id)]))
	}
	return out
}

type outcomeView struct {
	Command string      `json:"command" yaml:"command"`
	Outcome string      `json:"outcome" yaml:"outcome"`
	Errors  []errorView `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// WriteOutcome renders how a command ended and the error of each failed
// item, sorted by item ID.
func (o *CLIOutput) WriteOutcome(out Outcome) error {
	view := outcomeView{Command: out.Command, Outcome: string(out.Kind), Errors: sortedErrors(out.Errors)}
	switch o.format {
	case FormatJSON:
		return o.writeJSON(view)
	case FormatYAML:
		return o.writeYAML(view)
	}

	var b strings.Builder
	switch out.Kind {
	case cmdblocks.CmdOutcomeComplete:
		fmt.Fprintf(&b, "%s %s complete\n", o.styles.success.Render("✓"), out.Command)
	case cmdblocks.CmdOutcomeItemError:
		fmt.Fprintf(&b, "%s %s failed for %d item(s)\n", o.styles.err.Render("✗"), out.Command, len(view.Errors))
	default:
		fmt.Fprintf(&b, "%s %s interrupted\n", o.styles.warning.Render("⚠"), out.Command)
	}
	for _, e := range view.Errors {
		fmt.Fprintf(&b, "  %s: %s\n", o.styles.itemID.Render(e.ItemID), o.styles.err.Render(e.Message))
	}
	_, err := io.WriteString(o.w, b.String())
	return err
}

func statusStyle(s styles, status stores.ExecutionStatus) lipgloss.Style {
	switch status {
	case stores.ExecutionStatusComplete:
		return s.success
	case stores.ExecutionStatusItemError, stores.ExecutionStatusFailed:
		return s.err
	case stores.ExecutionStatusInterrupted:
		return s.warning
	default:
		return s.muted
	}
}

// WriteExecutions renders command history, one line per execution.
func (o *CLIOutput) WriteExecutions(execs []*stores.Execution) error {
	switch o.format {
	case FormatJSON:
		if execs == nil {
			execs = []*stores.Execution{}
		}
		return o.writeJSON(execs)
	case FormatYAML:
		return o.writeYAML(execs)
	}

	var b strings.Builder
	if len(execs) == 0 {
		b.WriteString(o.styles.muted.Render("no executions recorded"))
		b.WriteString("\n")
	}
	for _, e := range execs {
		fmt.Fprintf(&b, "%s  %-18s %-8s %s  %s\n",
			e.StartedAt.Format("2006-01-02 15:04:05"),
			e.Command,
			e.Profile,
			statusStyle(o.styles, e.Status).Render(string(e.Status)),
			o.styles.muted.Render(e.ID),
		)
	}
	_, err := io.WriteString(o.w, b.String())
	return err
}

// WriteExecution renders one execution with its item outcomes.
func (o *CLIOutput) WriteExecution(e *stores.Execution) error {
	switch o.format {
	case FormatJSON:
		return o.writeJSON(e)
	case FormatYAML:
		return o.writeYAML(e)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", o.styles.title.Render(e.Command), o.styles.muted.Render(e.ID))
	fmt.Fprintf(&b, "  flow:    %s\n  profile: %s\n", e.FlowID, e.Profile)
	fmt.Fprintf(&b, "  status:  %s\n", statusStyle(o.styles, e.Status).Render(string(e.Status)))
	if e.Error != nil {
		fmt.Fprintf(&b, "  error:   %s\n", o.styles.err.Render(*e.Error))
	}
	for _, it := range e.Items {
		fmt.Fprintf(&b, "  %s: %s", o.styles.itemID.Render(it.ItemID), it.Status)
		if it.Error != nil {
			fmt.Fprintf(&b, " %s", o.styles.err.Render(*it.Error))
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(o.w, b.String())
	return err
}

// WriteError renders an error that stopped a command from running.
func (o *CLIOutput) WriteError(err error) error {
	view := viewOf("", err)
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		view.ItemID = engErr.ItemID
	}
	switch o.format {
	case FormatJSON:
		return o.writeJSON(map[string]errorView{"error": view})
	case FormatYAML:
		return o.writeYAML(map[string]errorView{"error": view})
	}
	_, werr := fmt.Fprintf(o.w, "%s %s\n", o.styles.err.Render("✗"), o.styles.err.Render(view.Message))
	return werr
}

// WriteMessage renders a plain note. It is dropped for machine formats.
func (o *CLIOutput) WriteMessage(msg string) error {
	if o.format != FormatText {
		return nil
	}
	_, err := fmt.Fprintln(o.w, msg)
	return err
}
