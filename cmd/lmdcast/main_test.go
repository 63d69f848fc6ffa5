package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/op3/ucesb-sub002/pkg/event"
)

func TestConfigPath(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "default", want: defaultConfigPath},
		{name: "env", env: "/etc/lmdcast.yaml", want: "/etc/lmdcast.yaml"},
		{name: "flag wins", flag: "local.yaml", env: "/etc/lmdcast.yaml", want: "local.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", tt.env)
			cmd := newRootCommand()
			var args []string
			if tt.flag != "" {
				args = []string{"--config", tt.flag}
			}
			if err := cmd.ParseFlags(args); err != nil {
				t.Fatalf("ParseFlags() error = %v", err)
			}
			if got := configPath(cmd); got != tt.want {
				t.Errorf("configPath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "read", "generate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

type countWriter struct {
	n   int
	err error
}

func (c *countWriter) WriteEvent(*event.Record, bool) error {
	if c.err != nil {
		return c.err
	}
	c.n++
	return nil
}

func TestLimitWriter(t *testing.T) {
	inner := &countWriter{}
	stopped := 0
	w := &limitWriter{w: inner, left: 3, done: func() { stopped++ }}

	for i := 0; i < 5; i++ {
		if err := w.WriteEvent(event.New(10, 1, 1, uint32(i)), false); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	if inner.n != 3 {
		t.Errorf("forwarded = %v, want 3", inner.n)
	}
	if stopped != 1 {
		t.Errorf("done called %v times, want 1", stopped)
	}

	failing := &limitWriter{w: &countWriter{err: errors.New("down")}, left: 1, done: func() { stopped++ }}
	if err := failing.WriteEvent(event.New(10, 1, 1, 0), false); err == nil {
		t.Error("WriteEvent() error = nil, want the inner error")
	}
	if failing.left != 1 {
		t.Errorf("left after failure = %v, want 1", failing.left)
	}
}

func TestCleanupOrder(t *testing.T) {
	var order []string
	c := &cleanup{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	c.add("first", func() error { order = append(order, "first"); return nil })
	c.add("second", func() error { order = append(order, "second"); return errors.New("ignored") })
	c.run()

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("cleanup order = %v, want [second first]", order)
	}
}
