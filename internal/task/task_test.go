package task

import "testing"

func validTask() Task {
	return Task{
		ID:          42,
		Object:      "M31",
		RA:          0.712,
		Dec:         41.27,
		Filter:      "L",
		ExposureSec: 120,
		FrameCount:  5,
		Priority:    1,
	}
}

func TestValidateOK(t *testing.T) {
	tk := validTask()
	if err := tk.Validate(); err != nil {
		t.Fatalf("expected valid task, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"zero id", func(tk *Task) { tk.ID = 0 }},
		{"empty object", func(tk *Task) { tk.Object = "" }},
		{"ra high", func(tk *Task) { tk.RA = 24 }},
		{"ra negative", func(tk *Task) { tk.RA = -0.1 }},
		{"dec low", func(tk *Task) { tk.Dec = -90.5 }},
		{"dec high", func(tk *Task) { tk.Dec = 91 }},
		{"empty filter", func(tk *Task) { tk.Filter = "" }},
		{"zero exposure", func(tk *Task) { tk.ExposureSec = 0 }},
		{"negative exposure", func(tk *Task) { tk.ExposureSec = -1 }},
		{"zero frames", func(tk *Task) { tk.FrameCount = 0 }},
	}
	for _, tc := range cases {
		tk := validTask()
		tc.mutate(&tk)
		if err := tk.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusAborted}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	open := []Status{StatusPending, StatusAssigned, StatusRunning}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
