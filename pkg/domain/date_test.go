package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-03-01")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Year() != 2025 || d.Month() != time.March || d.String() != "2025-03-01" {
		t.Fatalf("unexpected date %s", d)
	}
	if _, err := ParseDate("2025-13-01"); err == nil {
		t.Fatalf("expected error for invalid month")
	}
	if !DateOf(time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)).Equal(d) {
		t.Fatalf("expected DateOf to truncate to the day")
	}
	if (Date{}).String() != "" || !(Date{}).IsZero() {
		t.Fatalf("expected zero date to render empty")
	}
}

func TestDateArithmetic(t *testing.T) {
	jan := NewDate(2025, time.January, 1)
	if got := jan.AddMonths(12); !got.Equal(NewDate(2026, time.January, 1)) {
		t.Fatalf("expected next year, got %s", got)
	}
	if got := jan.AddDays(-1); got.String() != "2024-12-31" {
		t.Fatalf("expected previous day, got %s", got)
	}
	feb := jan.AddMonths(1)
	if !jan.Before(feb) || !feb.After(jan) || jan.Compare(feb) != -1 {
		t.Fatalf("expected jan before feb")
	}
	if !MinDate(jan, feb).Equal(jan) || !MaxDate(jan, feb).Equal(feb) {
		t.Fatalf("unexpected min/max")
	}
}

func TestDateJSON(t *testing.T) {
	type wrapper struct {
		D Date  `json:"d"`
		P *Date `json:"p,omitempty"`
	}
	in := wrapper{D: MustDate("2025-06-15")}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"d":"2025-06-15"}` {
		t.Fatalf("unexpected json %s", raw)
	}
	var out wrapper
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.D.Equal(in.D) {
		t.Fatalf("expected round trip, got %s", out.D)
	}
	if err := json.Unmarshal([]byte(`{"d":"06/15/2025"}`), &out); err == nil {
		t.Fatalf("expected error for non-ISO date")
	}
	if err := json.Unmarshal([]byte(`{"d":20250615}`), &out); err == nil {
		t.Fatalf("expected error for numeric date")
	}
	if err := json.Unmarshal([]byte(`{"d":""}`), &out); err != nil || !out.D.IsZero() {
		t.Fatalf("expected empty string to decode to zero date, got %s (%v)", out.D, err)
	}
}

func TestMustDatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	MustDate("nope")
}
