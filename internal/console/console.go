// Package console implements the line oriented command interface of a node.
//
// Every input line is one command, matched case-insensitively. Every response
// is zero or more lines followed by an empty line.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/nowlink"
	"github.com/pkg/errors"
)

// MaxLineLength is the longest accepted input line.
const MaxLineLength = 256

const (
	replyCommandError  = "command error"
	replyArgumentError = "argument error"
	replyTooLong       = "input length exceeded"
	statusSuccess      = "success"
)

// Node is the protocol surface the console drives.
type Node interface {
	ID() byte
	Locate() (int, error)
	Status() (nowlink.StatusResult, error)
	Table() ([]nowlink.LinkEntry, error)
	Reset() error
}

// Console dispatches commands to a Node. It is not safe for concurrent use.
type Console struct {
	node    Node
	mac     nowlink.HardwareAddr
	version string

	// result of the previous command, reported by ERROR
	lastStatus string

	l log15.Logger
}

// New returns a console for node. mac and version are reported by the MAC and
// VERSION commands.
func New(l log15.Logger, node Node, mac nowlink.HardwareAddr, version string) *Console {
	return &Console{
		node:       node,
		mac:        mac,
		version:    version,
		lastStatus: statusSuccess,
		l:          l,
	}
}

type handler func(c *Console) ([]string, error)

var handlers = map[string]handler{
	"PING":       (*Console).ping,
	"ID":         (*Console).id,
	"MAC":        (*Console).macAddr,
	"VERSION":    (*Console).versionString,
	"NET_LOCATE": (*Console).netLocate,
	"NET_STATUS": (*Console).netStatus,
	"NET_TABLE":  (*Console).netTable,
	"NET_RESET":  (*Console).netReset,
}

// Dispatch runs one command line and returns the response lines, not
// including the terminating empty line.
func (c *Console) Dispatch(line string) []string {
	fields := strings.Split(line, " ")
	if line == "" || fields[0] == "" {
		return []string{replyCommandError}
	}
	for _, f := range fields[1:] {
		if f == "" {
			return []string{replyArgumentError}
		}
	}
	name := strings.ToUpper(fields[0])

	h, ok := handlers[name]
	if !ok && name != "ERROR" {
		return []string{replyCommandError}
	}
	if len(fields) > 1 {
		c.lastStatus = strings.ToLower(name) + ": " + replyArgumentError
		return []string{replyArgumentError}
	}
	if name == "ERROR" {
		return []string{c.lastStatus}
	}

	out, err := h(c)
	if err != nil {
		c.l.Warn("command failed", "command", name, "err", err)
		c.lastStatus = strings.ToLower(name) + ": " + errors.Cause(err).Error()
		return append(out, strconv.Itoa(nowlink.Code(err)))
	}
	c.lastStatus = statusSuccess
	return out
}

// Serve announces readiness on w, then answers commands read from r until r
// is exhausted or ctx is done.
func (c *Console) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	respond := func(lines ...string) error {
		for _, line := range lines {
			fmt.Fprintln(bw, line)
		}
		fmt.Fprintln(bw)
		return bw.Flush()
	}
	if err := respond("ready"); err != nil {
		return err
	}

	br := bufio.NewReaderSize(r, MaxLineLength+2)
	for {
		line, tooLong, err := readLine(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "unable to read command")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if tooLong {
			err = respond(replyTooLong)
		} else {
			err = respond(c.Dispatch(line)...)
		}
		if err != nil {
			return errors.Wrap(err, "unable to write response")
		}
	}
}

// readLine returns the next line without its line ending. A line longer than
// MaxLineLength is consumed in full but not kept, and reported as too long.
func readLine(br *bufio.Reader) (string, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// leave room for a trailing "\r\n"
			if len(line) > MaxLineLength+2 {
				tooLong, line = true, nil
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && (tooLong || len(line) > 0):
		case err != nil:
			return "", false, err
		}
		break
	}
	s := strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r")
	return s, tooLong || len(s) > MaxLineLength, nil
}

func (c *Console) ping() ([]string, error) {
	return []string{"pong"}, nil
}

func (c *Console) id() ([]string, error) {
	return []string{fmt.Sprintf("%#02x", c.node.ID())}, nil
}

func (c *Console) macAddr() ([]string, error) {
	return []string{c.mac.String()}, nil
}

func (c *Console) versionString() ([]string, error) {
	return []string{c.version}, nil
}

func (c *Console) netLocate() ([]string, error) {
	n, err := c.node.Locate()
	if err != nil {
		return nil, err
	}
	return []string{strconv.Itoa(n)}, nil
}

func (c *Console) netStatus() ([]string, error) {
	res, err := c.node.Status()
	if err != nil && errors.Cause(err) != nowlink.ErrSend {
		return nil, err
	}
	// a failed probe still completes the sweep
	return []string{fmt.Sprintf("active %d pruned %d", res.Active, res.Pruned)}, err
}

func (c *Console) netTable() ([]string, error) {
	entries, err := c.node.Table()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []string{"empty"}, nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%d %#02x %v", e.Slot, e.PeerID, e.Addr))
	}
	return out, nil
}

func (c *Console) netReset() ([]string, error) {
	if err := c.node.Reset(); err != nil {
		return nil, err
	}
	return []string{"ok"}, nil
}
