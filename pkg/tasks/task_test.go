package tasks

import (
	"testing"
)

func TestParseStatus(t *testing.T) {
	valid := []string{"in_progress", "waiting", "success", "error"}
	for _, s := range valid {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) returned error: %v", s, err)
		}
	}

	invalid := []string{"", "em_andamento", "done", "ERROR", "pending"}
	for _, s := range invalid {
		if _, err := ParseStatus(s); err == nil {
			t.Errorf("ParseStatus(%q) should have failed", s)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusInProgress, StatusSuccess, true},
		{StatusInProgress, StatusError, true},
		{StatusInProgress, StatusWaiting, true},
		{StatusWaiting, StatusInProgress, true},
		{StatusWaiting, StatusSuccess, true},
		{StatusSuccess, StatusInProgress, false},
		{StatusSuccess, StatusError, false},
		{StatusError, StatusInProgress, true}, // explicit retry
		{StatusError, StatusSuccess, false},
		{StatusInProgress, StatusInProgress, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.allowed {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusSuccess.Terminal() || !StatusError.Terminal() {
		t.Error("success and error must be terminal")
	}
	if StatusInProgress.Terminal() || StatusWaiting.Terminal() {
		t.Error("in_progress and waiting must not be terminal")
	}
}

func TestRetryable(t *testing.T) {
	task := &Task{Status: StatusError, Retries: 2}
	if !task.Retryable(3) {
		t.Error("failed task below the retry limit should be retryable")
	}

	task.Retries = 3
	if task.Retryable(3) {
		t.Error("failed task at the retry limit must not be retryable")
	}

	task = &Task{Status: StatusSuccess, Retries: 0}
	if task.Retryable(3) {
		t.Error("successful task must not be retryable")
	}
}
