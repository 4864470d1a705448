package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	dataPrefix = []byte("data:")
	doneFrame  = []byte("data: [DONE]\n\n")
)

// StreamTranscoder rewrites NIM server-sent events into the frames sent to
// the client. Bytes go in as they arrive, in arbitrarily sized chunks; the
// emitted frames depend only on the concatenated input. A transcoder serves
// exactly one stream and is not safe for concurrent use.
type StreamTranscoder struct {
	model         string
	showReasoning bool

	pending       []byte
	reasoningOpen bool
	doneSeen      bool
	doneLast      bool
	lastID        string
	lastCreated   int64
}

func NewStreamTranscoder(model string, showReasoning bool) *StreamTranscoder {
	return &StreamTranscoder{model: model, showReasoning: showReasoning}
}

// Feed consumes the next chunk of upstream bytes and returns the frames
// that became complete. An incomplete trailing line is kept for the next
// call.
func (t *StreamTranscoder) Feed(chunk []byte) [][]byte {
	t.pending = append(t.pending, chunk...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		frames = append(frames, t.track(t.processLine(t.pending[:idx]))...)
		t.pending = t.pending[idx+1:]
	}

	if len(t.pending) == 0 {
		t.pending = nil
	} else {
		t.pending = append([]byte(nil), t.pending...)
	}
	return frames
}

// Finish is called once when upstream ends cleanly. It flushes a trailing
// unterminated line, closes an open reasoning block and guarantees the
// stream ends with [DONE]. Frames upstream sent after its own [DONE] are
// still forwarded, so the stream is terminated again after them.
func (t *StreamTranscoder) Finish() [][]byte {
	var frames [][]byte
	if len(t.pending) > 0 {
		frames = append(frames, t.track(t.processLine(t.pending))...)
		t.pending = nil
	}
	frames = append(frames, t.track(t.closeReasoning())...)
	if !t.doneLast {
		frames = append(frames, t.track([][]byte{doneFrame})...)
		t.doneSeen = true
	}
	return frames
}

// DoneSeen reports whether a [DONE] frame has been emitted.
func (t *StreamTranscoder) DoneSeen() bool {
	return t.doneSeen
}

// track records whether the last emitted frame was [DONE].
func (t *StreamTranscoder) track(frames [][]byte) [][]byte {
	if len(frames) > 0 {
		t.doneLast = bytes.Equal(frames[len(frames)-1], doneFrame)
	}
	return frames
}

func (t *StreamTranscoder) processLine(line []byte) [][]byte {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, dataPrefix) {
		// Blank separators, comments and other SSE fields carry nothing
		// the client needs.
		return nil
	}

	payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if string(payload) == "[DONE]" {
		frames := t.closeReasoning()
		t.doneSeen = true
		return append(frames, doneFrame)
	}

	// Only chunk objects are rewritten; anything else goes out untouched.
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return [][]byte{rawFrame(line)}
	}

	out, err := t.rewriteChunk(payload)
	if err != nil {
		return [][]byte{rawFrame(line)}
	}
	return [][]byte{dataFrame(out)}
}

func (t *StreamTranscoder) rewriteChunk(payload []byte) ([]byte, error) {
	root := gjson.ParseBytes(payload)
	if id := root.Get("id"); id.Type == gjson.String && id.Str != "" {
		t.lastID = id.Str
	}
	if created := root.Get("created"); created.Type == gjson.Number {
		t.lastCreated = created.Int()
	}

	out, err := sjson.SetBytes(payload, "model", t.model)
	if err != nil {
		return nil, err
	}

	choices := root.Get("choices")
	if !choices.IsArray() {
		return out, nil
	}

	for i, choice := range choices.Array() {
		delta := choice.Get("delta")
		if !delta.Exists() {
			continue
		}

		if t.showReasoning && i == 0 {
			if text, ok := t.mergeReasoning(delta); ok {
				out, err = sjson.SetBytes(out, "choices.0.delta.content", text)
				if err != nil {
					return nil, err
				}
			}
		}

		for _, field := range []string{"reasoning_content", "reasoning"} {
			if !delta.Get(field).Exists() {
				continue
			}
			out, err = sjson.DeleteBytes(out, fmt.Sprintf("choices.%d.delta.%s", i, field))
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// mergeReasoning folds reasoning into visible content. The first reasoning
// fragment opens a <think> block and the first real content closes it.
func (t *StreamTranscoder) mergeReasoning(delta gjson.Result) (string, bool) {
	reasoning := reasoningText(delta)
	content := delta.Get("content")
	contentText := ""
	if content.Type == gjson.String {
		contentText = content.Str
	}

	var b bytes.Buffer
	if reasoning != "" {
		if !t.reasoningOpen {
			b.WriteString(thinkOpen)
			t.reasoningOpen = true
		}
		b.WriteString(reasoning)
	}
	if contentText != "" {
		if t.reasoningOpen {
			b.WriteString(thinkClose)
			t.reasoningOpen = false
		}
		b.WriteString(contentText)
	}

	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// closeReasoning emits a synthetic chunk closing a <think> block that is
// still open when the stream ends.
func (t *StreamTranscoder) closeReasoning() [][]byte {
	if !t.reasoningOpen {
		return nil
	}
	t.reasoningOpen = false

	id := t.lastID
	if id == "" {
		id = newCompletionID()
	}
	created := t.lastCreated
	if created == 0 {
		created = time.Now().Unix()
	}

	chunk := completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   t.model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: "</think>"}}},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return [][]byte{dataFrame(data)}
}

func dataFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	return append(frame, "\n\n"...)
}

func rawFrame(line []byte) []byte {
	frame := make([]byte, 0, len(line)+2)
	frame = append(frame, line...)
	return append(frame, "\n\n"...)
}

// RewriteSSEStream pumps r through t into w. onFrame, when set, observes
// every emitted frame. A read error aborts the stream without the closing
// frames so the client sees the connection end abruptly.
func RewriteSSEStream(r io.Reader, w io.Writer, t *StreamTranscoder, onFrame func(frame []byte)) error {
	write := func(frames [][]byte) error {
		for _, frame := range frames {
			if onFrame != nil {
				onFrame(frame)
			}
			if _, err := w.Write(frame); err != nil {
				return fmt.Errorf("failed to write to client: %w", err)
			}
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := write(t.Feed(buf[:n])); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return write(t.Finish())
		}
		if err != nil {
			return fmt.Errorf("failed to read upstream stream: %w", err)
		}
	}
}
