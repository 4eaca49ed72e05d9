package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Inbox is an inbound event source for setups without a live gateway link: it
// polls a JSONL file that the agent appends to, one bare-protocol frame per
// line. It never sends anything upstream.
type Inbox struct {
	Path     string
	Interval time.Duration
	// FromStart replays lines already in the file on the first poll.
	FromStart bool
	Logger    zerolog.Logger

	offset int64
	primed bool
	rest   []byte
}

func (in *Inbox) Run(ctx context.Context, handle func(Envelope)) error {
	interval := in.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := in.poll(handle); err != nil {
			in.Logger.Warn().Err(err).Str("path", in.Path).Msg("inbox poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (in *Inbox) poll(handle func(Envelope)) error {
	f, err := os.Open(in.Path)
	if errors.Is(err, os.ErrNotExist) {
		in.primed = true
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if !in.primed {
		in.primed = true
		if !in.FromStart {
			in.offset = size
			return nil
		}
	}
	if size < in.offset {
		in.Logger.Info().Str("path", in.Path).Msg("inbox truncated, starting over")
		in.offset = 0
		in.rest = nil
	}
	if size == in.offset {
		return nil
	}

	if _, err := f.Seek(in.offset, io.SeekStart); err != nil {
		return err
	}
	chunk, err := io.ReadAll(io.LimitReader(f, size-in.offset))
	if err != nil {
		return err
	}
	in.offset += int64(len(chunk))

	buf := append(in.rest, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		env, err := inboxEnvelope(line)
		if err != nil {
			in.Logger.Warn().Err(err).Msg("dropping inbox line")
			continue
		}
		handle(env)
	}
	in.rest = append([]byte(nil), buf...)
	return nil
}

func inboxEnvelope(line []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("%w: line without type", ErrProtocol)
	}
	payload := make(json.RawMessage, len(line))
	copy(payload, line)
	return Envelope{Variant: "inbox", Type: head.Type, Payload: payload}, nil
}
