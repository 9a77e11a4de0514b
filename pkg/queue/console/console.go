// Package console is a dry-run publisher that prints readings instead of
// queueing them.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/reading"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() *ConsoleOutput { return &ConsoleOutput{w: os.Stdout} }

func NewConsoleWriter(w io.Writer) *ConsoleOutput { return &ConsoleOutput{w: w} }

func (c *ConsoleOutput) Publish(_ context.Context, msg queue.Message) error {
	r, err := reading.Decode(msg.Body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.w, "%s channel=%s value=%g\n", r.Time().Format(time.RFC3339), r.Channel, r.Value)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }

var _ queue.Publisher = (*ConsoleOutput)(nil)
