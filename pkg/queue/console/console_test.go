package console

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/ericogr/probe-uploader/pkg/queue"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

func TestConsolePublish(t *testing.T) {
	msg := queue.Message{ID: "1", Channel: "pressure", Body: []byte(`["pressure",1758292914,101.3]`)}
	out := captureStdout(func() {
		c := NewConsole()
		_ = c.Publish(context.Background(), msg)
	})
	want := "2025-09-19T14:41:54Z channel=pressure value=101.3\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}

func TestConsoleRejectsMalformed(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	if err := c.Publish(context.Background(), queue.Message{Body: []byte("nope")}); err == nil {
		t.Fatalf("expected decode error")
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be printed, got %q", buf.String())
	}
}
