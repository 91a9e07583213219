package notebook

// OutputView is an output flattened for callers: stream text is one string
// instead of a list of lines.
type OutputView struct {
	OutputType     string         `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           *string        `json:"text,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	EName          string         `json:"ename,omitempty"`
	EValue         string         `json:"evalue,omitempty"`
	Traceback      []string       `json:"traceback,omitempty"`
}

// View flattens o for display.
func (o Output) View() OutputView {
	v := OutputView{OutputType: o.OutputType}
	switch o.OutputType {
	case OutputStream:
		v.Name = o.Name
		if v.Name == "" {
			v.Name = "stdout"
		}
		text := string(o.Text)
		v.Text = &text
	case OutputDisplayData, OutputExecuteResult:
		v.Data = nonNilMap(o.Data)
		v.Metadata = nonNilMap(o.Metadata)
		v.ExecutionCount = o.ExecutionCount
	case OutputError:
		v.EName = o.EName
		v.EValue = o.EValue
		v.Traceback = o.Traceback
		if v.Traceback == nil {
			v.Traceback = []string{}
		}
	}
	return v
}

// Views flattens every output.
func Views(outputs []Output) []OutputView {
	views := make([]OutputView, 0, len(outputs))
	for _, o := range outputs {
		views = append(views, o.View())
	}
	return views
}

// HasError reports whether any output is an error.
func HasError(outputs []Output) bool {
	for _, o := range outputs {
		if o.OutputType == OutputError {
			return true
		}
	}
	return false
}
