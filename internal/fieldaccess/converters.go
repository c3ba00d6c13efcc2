package fieldaccess

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

var sprintPattern = regexp.MustCompile(`com\.atlassian\.greenhopper\.service\.sprint\.Sprint@[A-Za-z0-9]*\[id=(\d+),.*,state=([^,]+),.*name=([^,]+),startDate=([^,]+),endDate=([^,]+),completeDate=([^,]+),activatedDate=([^,]+),.*`)

func builtinConverters() map[string]Converter {
	return map[string]Converter{
		"join":        joinValues,
		"split":       splitText,
		"sprint_name": sprintName,
		"to_date":     toDate,
		"to_week":     toWeek,
		"to_millis":   toMillis,
		"lower":       mapText(strings.ToLower),
		"upper":       mapText(strings.ToUpper),
		"count":       countItems,
	}
}

func joinValues(value domain.Value, delimiter string) (domain.Value, error) {
	if value.IsNull() {
		return domain.Null, nil
	}
	if delimiter == "" {
		delimiter = " "
	}
	if !value.IsList() {
		return domain.String(value.Text()), nil
	}
	parts := make([]string, 0, value.Len())
	for _, item := range value.Items() {
		parts = append(parts, item.Text())
	}
	return domain.String(strings.Join(parts, delimiter)), nil
}

func splitText(value domain.Value, separator string) (domain.Value, error) {
	text := value.Text()
	if value.IsNull() || text == "" {
		return domain.Null, nil
	}
	if separator == "" {
		separator = " "
	}
	parts := strings.Split(text, separator)
	items := make([]domain.Value, len(parts))
	for idx, part := range parts {
		items[idx] = domain.String(part)
	}
	return domain.List(items...), nil
}

// Sprint is the parsed form of a legacy greenhopper sprint string.
type Sprint struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	CompleteDate  string `json:"complete_date"`
	ActivatedDate string `json:"activated_date"`
}

// Valid reports whether the sprint has both start and end dates.
func (s Sprint) Valid() bool {
	return s.StartDate != "" && s.StartDate != "<null>" && s.EndDate != "" && s.EndDate != "<null>"
}

// ParseSprint parses a sprint field value.
func ParseSprint(raw string) (Sprint, error) {
	match := sprintPattern.FindStringSubmatch(raw)
	if match == nil {
		return Sprint{}, fmt.Errorf("invalid sprint format: %s", raw)
	}
	return Sprint{
		ID:            match[1],
		State:         match[2],
		Name:          match[3],
		StartDate:     match[4],
		EndDate:       match[5],
		CompleteDate:  match[6],
		ActivatedDate: match[7],
	}, nil
}

func sprintName(value domain.Value, _ string) (domain.Value, error) {
	if value.IsNull() || value.Text() == "" {
		return domain.Null, nil
	}
	if value.IsList() {
		names := make([]domain.Value, 0, value.Len())
		for _, item := range value.Items() {
			name, err := sprintName(item, "")
			if err != nil {
				return domain.Null, err
			}
			names = append(names, name)
		}
		return domain.List(names...), nil
	}
	sprint, err := ParseSprint(value.Text())
	if err != nil {
		return domain.Null, err
	}
	return domain.String(sprint.Name), nil
}

func toDate(value domain.Value, _ string) (domain.Value, error) {
	text := value.Text()
	if value.IsNull() || text == "" || text == "<null>" {
		return domain.Null, nil
	}
	date, _, _ := strings.Cut(text, "T")
	return domain.String(date), nil
}

func toWeek(value domain.Value, pattern string) (domain.Value, error) {
	if value.IsNull() || value.Text() == "" {
		return domain.Null, nil
	}
	t, ok := timeutil.Parse(value.Text())
	if !ok {
		return domain.Null, fmt.Errorf("invalid timestamp %q", value.Text())
	}
	if pattern == "" {
		return domain.String(timeutil.ISOWeek(t)), nil
	}
	return domain.String(timeutil.Strftime(t, pattern)), nil
}

func toMillis(value domain.Value, _ string) (domain.Value, error) {
	if value.IsNull() || value.Text() == "" {
		return domain.Null, nil
	}
	t, ok := timeutil.Parse(value.Text())
	if !ok {
		return domain.Null, fmt.Errorf("invalid timestamp %q", value.Text())
	}
	return domain.Int(t.Unix()), nil
}

func mapText(fn func(string) string) Converter {
	return func(value domain.Value, _ string) (domain.Value, error) {
		switch {
		case value.IsNull():
			return domain.Null, nil
		case value.IsList():
			items := make([]domain.Value, 0, value.Len())
			for _, item := range value.Items() {
				items = append(items, domain.String(fn(item.Text())))
			}
			return domain.List(items...), nil
		default:
			return domain.String(fn(value.Text())), nil
		}
	}
}

func countItems(value domain.Value, _ string) (domain.Value, error) {
	switch {
	case value.IsNull():
		return domain.Int(0), nil
	case value.IsList():
		return domain.Int(int64(value.Len())), nil
	default:
		return domain.Int(1), nil
	}
}
