package main

import (
	"strings"
	"testing"
	"time"
)

const sample = `user,date,type,amount,category,description,is_anomaly
alice,2026-03-02T10:00:00Z,expense,120.50,food,Swiggy,0
alice,2026-03-01T10:00:00Z,EXPENSE,99,food,Swiggy,0
bob,2026-03-01T09:00:00Z,income,5000,salary,,0
bob,not-a-date,expense,1,food,,0
bob,2026-03-01T11:00:00Z,expense,abc,food,,0
alice,2026-03-03T10:00:00Z,expense,9000,food,Taj,true
`

func TestReadExpenses(t *testing.T) {
	rows, err := readExpenses(strings.NewReader(sample), 0)
	if err != nil {
		t.Fatalf("readExpenses failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 valid rows, got %d", len(rows))
	}

	if rows[0].Type != "EXPENSE" {
		t.Errorf("rows[0].Type = %q, want EXPENSE", rows[0].Type)
	}
	if got := rows[0].Amount.String(); got != "120.5" {
		t.Errorf("rows[0].Amount = %s, want 120.5", got)
	}
	if rows[2].Type != "INCOME" {
		t.Errorf("rows[2].Type = %q, want INCOME", rows[2].Type)
	}
	if !rows[3].IsAnomaly {
		t.Error("rows[3] should be labelled anomalous")
	}

	t.Run("Limit", func(t *testing.T) {
		rows, err := readExpenses(strings.NewReader(sample), 2)
		if err != nil {
			t.Fatalf("readExpenses failed: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("expected 2 rows, got %d", len(rows))
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		if _, err := readExpenses(strings.NewReader("user,date,amount\n"), 0); err == nil {
			t.Error("expected an error for a missing column")
		}
	})
}

func TestGroupByUser(t *testing.T) {
	rows, err := readExpenses(strings.NewReader(sample), 0)
	if err != nil {
		t.Fatalf("readExpenses failed: %v", err)
	}

	byUser := groupByUser(rows, "bench-")
	if len(byUser) != 2 {
		t.Fatalf("expected 2 users, got %d", len(byUser))
	}

	alice := byUser["bench-alice"]
	if len(alice) != 3 {
		t.Fatalf("expected 3 rows for alice, got %d", len(alice))
	}
	for i := 1; i < len(alice); i++ {
		if alice[i].Date.Before(alice[i-1].Date) {
			t.Errorf("rows out of order at %d: %v before %v", i, alice[i].Date, alice[i-1].Date)
		}
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !alice[0].Date.Equal(want) {
		t.Errorf("first row dated %v, want %v", alice[0].Date, want)
	}
}

func TestMetricsScores(t *testing.T) {
	m := &Metrics{}
	m.Observe(true, true)
	m.Observe(true, false)
	m.Observe(false, false)
	m.Observe(false, false)
	m.Observe(false, true)

	precision, recall, f1, accuracy := m.Scores()
	tests := []struct {
		name      string
		got, want float64
	}{
		{"precision", precision, 0.5},
		{"recall", recall, 0.5},
		{"f1", f1, 0.5},
		{"accuracy", accuracy, 0.6},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if m.TotalAnomalies != 2 || m.TotalNormal != 3 {
		t.Errorf("totals = %d anomalies, %d normal; want 2 and 3", m.TotalAnomalies, m.TotalNormal)
	}

	t.Run("Empty", func(t *testing.T) {
		precision, recall, f1, accuracy := (&Metrics{}).Scores()
		if sum := precision + recall + f1 + accuracy; sum != 0 {
			t.Errorf("empty metrics scored %v", sum)
		}
	})
}
