package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/client"
)

// ClientFlags select the server a client command talks to.
type ClientFlags struct {
	URL     string        `help:"Data server URL including the /dataserver prefix." default:"${client_url}" env:"DATASERVER_URL"`
	Timeout time.Duration `help:"Request timeout." default:"30s" env:"DATASERVER_CLIENT_TIMEOUT"`
}

func (f ClientFlags) newClient() *client.Client {
	return client.New(
		client.WithBaseURL(f.URL),
		client.WithHTTPClient(&http.Client{Timeout: f.Timeout}),
	)
}

// PushCmd sends one envelope.
type PushCmd struct {
	ClientFlags

	Name      string `arg:"" help:"Block name."`
	BlockType string `arg:"" help:"Block type: TYPE_A or TYPE_B."`
	Payload   string `help:"Payload text." xor:"source"`
	File      string `help:"Read the payload from a file, or - for stdin." type:"path" xor:"source"`
	Checksum  string `help:"Send this checksum instead of computing one."`

	stdin  io.Reader
	stdout io.Writer
}

// Run pushes the envelope and prints whether the server accepted it.
func (c *PushCmd) Run() error {
	t, err := dataserver.ParseBlockType(c.BlockType)
	if err != nil {
		return err
	}

	payload := c.Payload
	if c.File != "" {
		data, err := readSource(c.File, c.stdin)
		if err != nil {
			return err
		}
		payload = string(data)
	}

	env := client.NewEnvelope(c.Name, t, payload)
	if c.Checksum != "" {
		env.Checksum = c.Checksum
	}

	accepted, err := c.newClient().PushData(context.Background(), env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(writerOr(c.stdout), strconv.FormatBool(accepted))
	return err
}

// QueryCmd lists envelopes by block type.
type QueryCmd struct {
	ClientFlags

	BlockType string `arg:"" help:"Block type: TYPE_A or TYPE_B."`

	stdout io.Writer
}

// Run prints the matching envelopes as a JSON array.
func (c *QueryCmd) Run() error {
	t, err := dataserver.ParseBlockType(c.BlockType)
	if err != nil {
		return err
	}

	envs, err := c.newClient().GetByBlockType(context.Background(), t)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(writerOr(c.stdout))
	enc.SetIndent("", "  ")
	return enc.Encode(envs)
}

// ReclassifyCmd changes the block type of a stored block.
type ReclassifyCmd struct {
	ClientFlags

	Name      string `arg:"" help:"Block name."`
	BlockType string `arg:"" help:"New block type: TYPE_A or TYPE_B."`

	stdout io.Writer
}

// Run prints true when a block was updated and false when the name was unknown.
func (c *ReclassifyCmd) Run() error {
	t, err := dataserver.ParseBlockType(c.BlockType)
	if err != nil {
		return err
	}

	updated, err := c.newClient().UpdateBlockType(context.Background(), c.Name, t)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(writerOr(c.stdout), strconv.FormatBool(updated))
	return err
}

// errChecksumMismatch is returned by checksum --check when the input differs.
var errChecksumMismatch = errors.New("checksum mismatch")

// ChecksumCmd prints the producer checksum of each file, or of stdin.
type ChecksumCmd struct {
	Files []string `arg:"" optional:"" help:"Files to checksum; stdin when omitted." type:"path"`
	Check string   `help:"Expected checksum. Verify a single input against it instead of printing." placeholder:"HEX"`

	stdin  io.Reader
	stdout io.Writer
}

// Run prints one "<checksum>  <name>" line per input, or "<name>: OK" when
// --check matches.
func (c *ChecksumCmd) Run() error {
	out := writerOr(c.stdout)
	if c.Check != "" {
		return c.verify(out)
	}
	if len(c.Files) == 0 {
		return printChecksum(out, readerOr(c.stdin), "-")
	}
	for _, name := range c.Files {
		sum, err := checksumFile(name)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s  %s\n", sum, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChecksumCmd) verify(out io.Writer) error {
	want, err := dataserver.ParseChecksum(c.Check)
	if err != nil {
		return fmt.Errorf("--check: %w", err)
	}

	var (
		name = "-"
		sum  dataserver.Checksum
	)
	switch len(c.Files) {
	case 0:
		sum, _, err = dataserver.ChecksumReader(readerOr(c.stdin))
	case 1:
		name = c.Files[0]
		sum, err = checksumFile(name)
	default:
		return errors.New("--check takes a single input")
	}
	if err != nil {
		return err
	}

	if sum != want {
		return fmt.Errorf("%s: %w: got %s, want %s", name, errChecksumMismatch, sum, want)
	}
	_, err = fmt.Fprintf(out, "%s: OK\n", name)
	return err
}

func checksumFile(name string) (dataserver.Checksum, error) {
	f, err := os.Open(name)
	if err != nil {
		return dataserver.Checksum{}, err
	}
	defer func() { _ = f.Close() }()
	sum, _, err := dataserver.ChecksumReader(f)
	return sum, err
}

func printChecksum(out io.Writer, r io.Reader, name string) error {
	sum, _, err := dataserver.ChecksumReader(r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s  %s\n", sum, name)
	return err
}

func readSource(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(readerOr(stdin))
	}
	return os.ReadFile(name)
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

func readerOr(r io.Reader) io.Reader {
	if r == nil {
		return os.Stdin
	}
	return r
}
