package realtime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TemplateWidget is the UI widget of a template question.
type TemplateWidget string

const (
	WidgetText          TemplateWidget = "TEXT"
	WidgetParagraph     TemplateWidget = "PARAGRAPH"
	WidgetRadioList     TemplateWidget = "RADIO_LIST"
	WidgetCheckboxList  TemplateWidget = "CHECKBOX_LIST"
	WidgetSectionHeader TemplateWidget = "SECTION_HEADER"
	WidgetPageBreak     TemplateWidget = "PAGE_BREAK"
)

// TemplateInput constrains the value type of a template answer.
type TemplateInput string

const (
	InputAny     TemplateInput = "any"
	InputInteger TemplateInput = "integer"
	InputFloat   TemplateInput = "float"
)

// TemplateItem is one question of a recording template.
type TemplateItem struct {
	ID         uuid.UUID      `json:"id"`
	Title      string         `json:"title"`
	WidgetType TemplateWidget `json:"widget_type"`
	InputType  TemplateInput  `json:"input_type"`
	Choices    []string       `json:"choices"`
	HelpText   string         `json:"help_text"`
	Required   bool           `json:"required"`
}

// answerable reports whether the item takes an answer at all.
func (i TemplateItem) answerable() bool {
	return i.WidgetType != WidgetSectionHeader && i.WidgetType != WidgetPageBreak
}

// Validate checks one answer in API format (a string list).
func (i TemplateItem) Validate(values []string) error {
	if !i.answerable() {
		return nil
	}
	nonEmpty := 0
	for _, v := range values {
		if v != "" {
			nonEmpty++
		}
	}
	if i.Required && nonEmpty == 0 {
		return fmt.Errorf("%q: answer is required", i.Title)
	}
	if i.WidgetType != WidgetCheckboxList && nonEmpty > 1 {
		return fmt.Errorf("%q: expects a single answer, got %d", i.Title, nonEmpty)
	}
	for _, v := range values {
		if v == "" {
			continue
		}
		switch i.WidgetType {
		case WidgetRadioList, WidgetCheckboxList:
			if !contains(i.Choices, v) {
				return fmt.Errorf("%q: %q is not a valid choice from %v", i.Title, v, i.Choices)
			}
		default:
			switch i.InputType {
			case InputInteger:
				if _, err := strconv.ParseInt(v, 10, 64); err != nil {
					return fmt.Errorf("%q: %q is not an integer", i.Title, v)
				}
			case InputFloat:
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					return fmt.Errorf("%q: %q is not a number", i.Title, v)
				}
			}
		}
	}
	return nil
}

// Template is a recording template definition as selected on device.
type Template struct {
	ID                  uuid.UUID      `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	RecordingNameFormat []string       `json:"recording_name_format"`
	Items               []TemplateItem `json:"items"`
	IsDefaultTemplate   bool           `json:"is_default_template"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	PublishedAt         *time.Time     `json:"published_at"`
	ArchivedAt          *time.Time     `json:"archived_at"`
}

// ItemByID looks up a question by its id.
func (t *Template) ItemByID(id string) (TemplateItem, bool) {
	for _, item := range t.Items {
		if item.ID.String() == id {
			return item, true
		}
	}
	return TemplateItem{}, false
}

// ValidateAnswers checks a full answer set in API format. Answers for
// unknown questions are rejected.
func (t *Template) ValidateAnswers(answers map[string][]string) error {
	for id, values := range answers {
		item, ok := t.ItemByID(id)
		if !ok {
			return fmt.Errorf("no question with id %s", id)
		}
		if err := item.Validate(values); err != nil {
			return err
		}
	}
	for _, item := range t.Items {
		if !item.Required || !item.answerable() {
			continue
		}
		if _, answered := answers[item.ID.String()]; !answered {
			return fmt.Errorf("%q: answer is required", item.Title)
		}
	}
	return nil
}

// SimpleToAPI converts parsed answers (ints, floats, strings, slices)
// into the wire format, which is a string list per question.
func (t *Template) SimpleToAPI(answers map[string]any) map[string][]string {
	out := make(map[string][]string, len(answers))
	for id, value := range answers {
		switch v := value.(type) {
		case nil:
			out[id] = []string{""}
		case []string:
			if len(v) == 0 {
				out[id] = []string{""}
			} else {
				out[id] = v
			}
		case string:
			out[id] = []string{v}
		default:
			out[id] = []string{fmt.Sprint(v)}
		}
	}
	return out
}

// APIToSimple converts wire-format answers into parsed values using
// the question's input type: lists for checkbox questions, single
// (possibly nil) values otherwise.
func (t *Template) APIToSimple(answers map[string][]string) map[string]any {
	out := make(map[string]any, len(answers))
	for id, values := range answers {
		item, ok := t.ItemByID(id)
		if !ok {
			continue
		}
		if item.WidgetType == WidgetCheckboxList || item.WidgetType == WidgetRadioList {
			if len(values) == 1 && values[0] == "" && !contains(item.Choices, "") {
				values = nil
			}
			if item.WidgetType == WidgetCheckboxList {
				out[id] = values
				continue
			}
		}
		var first string
		if len(values) > 0 {
			first = values[0]
		}
		if first == "" && item.InputType != InputAny {
			out[id] = nil
			continue
		}
		switch item.InputType {
		case InputInteger:
			n, err := strconv.ParseInt(first, 10, 64)
			if err != nil {
				out[id] = nil
				continue
			}
			out[id] = n
		case InputFloat:
			f, err := strconv.ParseFloat(first, 64)
			if err != nil {
				out[id] = nil
				continue
			}
			out[id] = f
		default:
			out[id] = first
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
